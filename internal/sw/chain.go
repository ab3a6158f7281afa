package sw

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Link is one attempt of a fallback chain.
type Link struct {
	Name string
	Try  func(req *http.Request) (*http.Response, error)
}

// Chain is evaluated left to right; the first link that returns a response
// without error wins. Each link is tried at most once.
type Chain []Link

var errEmptyChain = errors.New("sw: empty fallback chain")

func (c Chain) Do(req *http.Request) (*http.Response, error) {
	err := errEmptyChain
	for _, l := range c {
		resp, lerr := l.Try(req)
		if lerr == nil {
			return resp, nil
		}
		log.Debug().Err(lerr).Str("link", l.Name).Str("url", req.URL.String()).Msg("fallback link failed")
		err = fmt.Errorf("%s: %w", l.Name, lerr)
	}
	return nil, err
}

// Names lists the links in evaluation order.
func (c Chain) Names() []string {
	out := make([]string, len(c))
	for i, l := range c {
		out[i] = l.Name
	}
	return out
}

// requireOK turns a non-2xx answer from l into a failure so the next link
// runs.
func requireOK(l Link) Link {
	return Link{Name: l.Name, Try: func(req *http.Request) (*http.Response, error) {
		resp, err := l.Try(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("status %d", resp.StatusCode)
		}
		return resp, nil
	}}
}

// emptyStatus always answers with an empty body and the given status.
func emptyStatus(name string, status int, statusText string) Link {
	return Link{Name: name, Try: func(req *http.Request) (*http.Response, error) {
		return synthetic(req, status, statusText, nil, nil), nil
	}}
}
