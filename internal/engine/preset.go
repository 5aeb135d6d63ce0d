package engine

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// Preset names accepted in configuration.
const (
	RetentionFastFlow   = "fast-flow"
	AdmissionNearestOne = "nearest-one"
)

var discard logrus.FieldLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// RetentionOptions carries the tunables shared by retention presets.
type RetentionOptions struct {
	MinRatio      float64
	MinSeedTime   time.Duration
	ActivityGrace time.Duration
}

// AdmissionOptions carries the tunables shared by admission presets.
type AdmissionOptions struct {
	Window time.Duration
}

// NewRetentionPolicy resolves a retention preset by name.
func NewRetentionPolicy(name string, opts RetentionOptions, logger logrus.FieldLogger) (RetentionPolicy, error) {
	switch name {
	case RetentionFastFlow:
		return FastFlow{
			MinRatio:      opts.MinRatio,
			MinSeedTime:   opts.MinSeedTime,
			ActivityGrace: opts.ActivityGrace,
			Logger:        logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown retention policy %q", name)
	}
}

// NewAdmissionPolicy resolves an admission preset by name.
func NewAdmissionPolicy(name string, opts AdmissionOptions, logger logrus.FieldLogger) (AdmissionPolicy, error) {
	switch name {
	case AdmissionNearestOne:
		return NearestOne{Window: opts.Window, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown admission policy %q", name)
	}
}
