package frontend

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/afex/hystrix-go/hystrix"
	"github.com/sirupsen/logrus"
)

const defaultForwardTimeout = 5 * time.Second

// Response is a backend reply relayed to the client as is.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

type Forwarder interface {
	Forward(ctx context.Context, host, uri string) (*Response, error)
}

// HTTPForwarder sends GETs to host:Port. Every backend gets its own
// circuit breaker, so one dead backend does not trip the others.
type HTTPForwarder struct {
	Port    int
	Timeout time.Duration
	Client  *http.Client

	configured sync.Map // command name: struct{}
}

func NewHTTPForwarder(port int, timeout time.Duration) *HTTPForwarder {
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	return &HTTPForwarder{
		Port:    port,
		Timeout: timeout,
		Client:  &http.Client{},
	}
}

func (f *HTTPForwarder) command(host string) string {
	name := "backend_" + net.JoinHostPort(host, strconv.Itoa(f.Port))
	if _, loaded := f.configured.LoadOrStore(name, struct{}{}); !loaded {
		hystrix.ConfigureCommand(name, hystrix.CommandConfig{
			// 与后端请求超时保持一致
			Timeout:               int(f.Timeout / time.Millisecond),
			MaxConcurrentRequests: 100,
			// 至少 20 个请求后才按错误率判断
			RequestVolumeThreshold: 20,
			SleepWindow:            5 * 1000,
			ErrorPercentThreshold:  50,
		})
	}
	return name
}

// Forward fetches uri (path plus query) from host. Non-2xx replies are
// relayed, only transport errors count against the breaker.
func (f *HTTPForwarder) Forward(ctx context.Context, host, uri string) (*Response, error) {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(host, strconv.Itoa(f.Port)), uri)
	var resp *Response
	err := hystrix.Do(f.command(host), func() error {
		ctx, cancel := context.WithTimeout(ctx, f.Timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		r, err := f.Client.Do(req)
		if err != nil {
			return err
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		resp = &Response{
			StatusCode:  r.StatusCode,
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		}
		return nil
	}, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"func_name": "Forward",
			"url":       url,
		}).Warnf("forward failed: %v", err)
		return nil, err
	}
	return resp, nil
}
