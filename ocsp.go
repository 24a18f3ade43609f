package streamreactor

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ocsp"
)

const ocspMime = "application/ocsp-request"

type OCSPProcessor struct {
	ctx              context.Context
	ocspResponderUrl string
	client           *http.Client
}

func NewOcspProcessor(ocspCtx context.Context, responderUrl string) *OCSPProcessor {
	return &OCSPProcessor{
		ctx:              ocspCtx,
		ocspResponderUrl: responderUrl,
		client:           http.DefaultClient,
	}
}

// OcspVerify asks the responder about cert and returns the raw response for
// stapling. Only a good status is accepted.
func (o *OCSPProcessor) OcspVerify(cert, issuer *x509.Certificate) ([]byte, error) {
	request, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return nil, err
	}
	response, err := o.sendOcspRequest(request)
	if err != nil {
		return nil, err
	}
	ocspResp, err := ocsp.ParseResponse(response, issuer)
	if err != nil {
		return nil, err
	}
	if err = o.processOcspResponse(cert, ocspResp); err != nil {
		return nil, err
	}
	return response, nil
}

func (o *OCSPProcessor) sendOcspRequest(request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(o.ctx, http.MethodPost, o.ocspResponderUrl, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ocspMime)
	rsp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rsp.Body.Close(); err != nil {
			log.Error().Msgf("got error while close http response: %+v", err)
		}
	}()
	if rsp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("ocsp responder returned %s", rsp.Status)
	}
	return io.ReadAll(rsp.Body)
}

func (o *OCSPProcessor) processOcspResponse(cert *x509.Certificate, resp *ocsp.Response) error {
	if resp.SerialNumber == nil || resp.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return errors.New("ocsp response does not match certificate serial")
	}
	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return errors.Errorf("certificate revoked at %s", resp.RevokedAt)
	}
	return errors.Errorf("ocsp status %d", resp.Status)
}
