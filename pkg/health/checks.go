// Package health runs the environment checks behind the validate command.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/certstore"
	"github.com/haasonsaas/bitmesh/pkg/inference"
)

// Check is a named health test. A nil error means it passed.
type Check struct {
	Name string
	Run  func(ctx context.Context) (detail string, err error)
}

type Result struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Report struct {
	Healthy   bool      `json:"healthy"`
	Checks    []Result  `json:"checks"`
	Issues    []string  `json:"issues,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs checks in parallel under a shared deadline. It holds no
// per-run state, so one Checker may serve concurrent runs.
type Checker struct {
	timeout time.Duration
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Checker{timeout: timeout}
}

// Run reports one result per check, in the order given.
func (c *Checker) Run(ctx context.Context, checks ...Check) *Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = Result{Name: check.Name, Error: fmt.Sprintf("panic: %v", r)}
				}
			}()
			detail, err := check.Run(ctx)
			res := Result{Name: check.Name, OK: err == nil, Detail: detail}
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
		}(i, check)
	}
	wg.Wait()

	report := &Report{Healthy: true, Checks: results, CheckedAt: time.Now()}
	for _, res := range results {
		if !res.OK {
			report.Healthy = false
			report.Issues = append(report.Issues, fmt.Sprintf("%s: %s", res.Name, res.Error))
		}
	}
	return report
}

// InferenceCheck verifies the BitNet checkout is usable.
func InferenceCheck(engine inference.Engine) Check {
	return Check{Name: "inference", Run: func(context.Context) (string, error) {
		if err := engine.Available(); err != nil {
			return "", err
		}
		if b, ok := engine.(*inference.BitNet); ok {
			return b.Path(), nil
		}
		return "available", nil
	}}
}

// CertificateCheck inspects the stored client certificate. A missing
// certificate is reported so the operator knows enrollment will run.
func CertificateCheck(store *certstore.Store, paths certstore.Paths) Check {
	return Check{Name: "certificates", Run: func(context.Context) (string, error) {
		if !store.Exists(paths) {
			return "", errors.New("no certificate on disk, device will enroll on start")
		}
		status, err := store.Inspect(paths)
		if err != nil {
			return "", err
		}
		detail := fmt.Sprintf("%s valid until %s", status.Subject, status.NotAfter.Format(time.RFC3339))
		if status.RenewalDue {
			detail += " (renewal due)"
		}
		return detail, nil
	}}
}

// EnrollmentCheck confirms the enrollment service answers HTTP at all. Any
// status code counts as reachable.
func EnrollmentCheck(baseURL string, client *http.Client) Check {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return Check{Name: "enrollment_service", Run: func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/", nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("cannot reach %s: %w", baseURL, err)
		}
		resp.Body.Close()
		return fmt.Sprintf("%s responded %d", baseURL, resp.StatusCode), nil
	}}
}

// BrokerCheck dials the broker's TCP port without speaking the protocol.
func BrokerCheck(host string, port int) Check {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return Check{Name: "broker", Run: func(ctx context.Context) (string, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return "", fmt.Errorf("cannot reach %s: %w", addr, err)
		}
		conn.Close()
		return addr + " accepts connections", nil
	}}
}
