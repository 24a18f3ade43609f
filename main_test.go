package streamreactor

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	if os.Getenv("STREAMREACTOR_DEBUG") == "" {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/golang/glog.(*loggingT).flushDaemon"))
}
