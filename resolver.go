package streamreactor

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const resolveTimeout = 10 * time.Second

type resolveRequest struct {
	host string
	done func(ip net.IP, err error)
}

// addressResolver looks up host names on its own goroutine so that connect
// never blocks the caller or the reactor.
type addressResolver struct {
	requests chan resolveRequest
	ctx      context.Context
	cancel   context.CancelFunc
	wg       *sync.WaitGroup
	resolver *net.Resolver
}

func newAddressResolver() *addressResolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &addressResolver{
		requests: make(chan resolveRequest, 64),
		ctx:      ctx,
		cancel:   cancel,
		wg:       &sync.WaitGroup{},
		resolver: net.DefaultResolver,
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *addressResolver) resolve(host string, done func(ip net.IP, err error)) error {
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case r.requests <- resolveRequest{host: host, done: done}:
		return nil
	}
}

func (r *addressResolver) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case req := <-r.requests:
			ip, err := r.lookup(req.host)
			if err != nil {
				log.Error().Msgf("resolving %s failed: %+v", req.host, err)
			} else if log.Debug().Enabled() {
				log.Debug().Msgf("resolved %s to %s", req.host, ip)
			}
			req.done(ip, err)
		}
	}
}

func (r *addressResolver) lookup(host string) (net.IP, error) {
	ctx, cancel := context.WithTimeout(r.ctx, resolveTimeout)
	defer cancel()
	addrs, err := r.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if ip4 := addr.IP.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, errors.Errorf("no ipv4 address for %s", host)
}

func (r *addressResolver) close() {
	r.cancel()
	r.wg.Wait()
}
