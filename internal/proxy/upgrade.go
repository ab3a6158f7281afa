package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

type upgradeDialer func(ctx context.Context, scheme, addr string) (net.Conn, error)

func defaultUpgradeDialer(ctx context.Context, scheme, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if scheme == "https" || scheme == "wss" {
		host, _, _ := net.SplitHostPort(addr)
		td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: host, NextProtos: []string{"http/1.1"}}}
		return td.DialContext(ctx, "tcp", addr)
	}
	return nd.DialContext(ctx, "tcp", addr)
}

// IsUpgrade reports whether r asks to switch protocols, e.g. a websocket
// handshake.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

// serveUpgrade replays the handshake against target and, once the origin
// switches protocols, splices the two connections together. Nothing on the
// channel is read or interpreted after the handshake.
func (e *Engine) serveUpgrade(w http.ResponseWriter, r *http.Request, target *url.URL) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		e.fail(w, r, fmt.Errorf("upgrade: connection cannot be hijacked"))
		return
	}

	backend, err := e.dialer(r.Context(), target.Scheme, hostPort(target))
	if err != nil {
		e.fail(w, r, fmt.Errorf("upgrade: dial: %w", err))
		return
	}

	out := r.Clone(r.Context())
	out.URL = target
	out.Host = e.target.Host
	out.RequestURI = ""
	out.Header.Del("Host")
	if err := out.Write(backend); err != nil {
		backend.Close()
		e.fail(w, r, fmt.Errorf("upgrade: write handshake: %w", err))
		return
	}

	br := bufio.NewReader(backend)
	resp, err := http.ReadResponse(br, out)
	if err != nil {
		backend.Close()
		e.fail(w, r, fmt.Errorf("upgrade: read handshake: %w", err))
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		// The origin refused to upgrade; relay its answer as a normal response.
		defer backend.Close()
		defer resp.Body.Close()
		for k, vs := range resp.Header {
			if isHopHeader(k) {
				continue
			}
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		SetCORS(w.Header())
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
		return
	}

	client, clientBuf, err := hj.Hijack()
	if err != nil {
		backend.Close()
		e.fail(w, r, fmt.Errorf("upgrade: hijack: %w", err))
		return
	}

	if err := writeHandshake(client, resp); err != nil {
		client.Close()
		backend.Close()
		return
	}

	// Bytes either side already buffered belong to the channel.
	var toBackend io.Reader = client
	if n := clientBuf.Reader.Buffered(); n > 0 {
		toBackend = io.MultiReader(io.LimitReader(clientBuf.Reader, int64(n)), client)
	}
	var toClient io.Reader = backend
	if n := br.Buffered(); n > 0 {
		toClient = io.MultiReader(io.LimitReader(br, int64(n)), backend)
	}
	splice(client, backend, toBackend, toClient)
}

func writeHandshake(conn net.Conn, resp *http.Response) error {
	bw := bufio.NewWriter(conn)
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %s\r\n", resp.Status); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// splice copies in both directions until one side is done, then closes both
// connections so the other copy unblocks.
func splice(client, backend net.Conn, toBackend, toClient io.Reader) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			backend.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		buf := make([]byte, 32*1024)
		_, _ = io.CopyBuffer(backend, toBackend, buf)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		buf := make([]byte, 32*1024)
		_, _ = io.CopyBuffer(client, toClient, buf)
	}()
	wg.Wait()
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443")
	default:
		return net.JoinHostPort(u.Hostname(), "80")
	}
}
