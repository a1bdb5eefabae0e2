package gateway

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
)

func contextBackground() context.Context {
	return context.Background()
}

func newSilentLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
