package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/prometheus/client_golang/prometheus"
)

type nopLogger struct{}

func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Debugf(string, ...interface{}) {}

// NewRestyClient returns a client without built-in retries. Retry policy is
// applied by the caller so that attempts stay visible to the request registry.
func NewRestyClient(timeout time.Duration) *resty.Client {
	c := resty.
		New().
		SetRetryCount(0).
		SetLogger(nopLogger{}).
		SetTimeout(timeout)
	c.JSONMarshal = json.Marshal
	c.JSONUnmarshal = json.Unmarshal
	return c
}

func GetHistogramVec(name string, labels ...string) (*prometheus.HistogramVec, error) {
	metrics := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: name,
		Buckets: []float64{
			0.0005,
			0.001, // 1ms
			0.002,
			0.005,
			0.01, // 10ms
			0.02,
			0.05,
			0.1, // 100 ms
			0.2,
			0.5,
			1.0, // 1s
			2.0,
			5.0,
			10.0, // 10s
		},
	}, labels)
	if err := prometheus.Register(metrics); err != nil {
		var registeredErr prometheus.AlreadyRegisteredError
		if ok := errors.As(err, &registeredErr); ok {
			metrics, ok := registeredErr.ExistingCollector.(*prometheus.HistogramVec)
			if ok {
				return metrics, nil
			}
		}
		return nil, fmt.Errorf("register: %w %T", err, err)
	}

	return metrics, nil
}

func GetCounterVec(name string, labels ...string) (*prometheus.CounterVec, error) {
	metrics := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
	}, labels)
	if err := prometheus.Register(metrics); err != nil {
		var registeredErr prometheus.AlreadyRegisteredError
		if ok := errors.As(err, &registeredErr); ok {
			metrics, ok := registeredErr.ExistingCollector.(*prometheus.CounterVec)
			if ok {
				return metrics, nil
			}
		}
		return nil, fmt.Errorf("register: %w %T", err, err)
	}

	return metrics, nil
}

// MustCounterVec is GetCounterVec for package-level collectors.
func MustCounterVec(name string, labels ...string) *prometheus.CounterVec {
	m, err := GetCounterVec(name, labels...)
	if err != nil {
		panic(err)
	}
	return m
}

// MustHistogramVec is GetHistogramVec for package-level collectors.
func MustHistogramVec(name string, labels ...string) *prometheus.HistogramVec {
	m, err := GetHistogramVec(name, labels...)
	if err != nil {
		panic(err)
	}
	return m
}
