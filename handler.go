package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Port every function backend listens on.
const backendPort = 8000

type httpHandler struct {
	monitor     *backendMonitor
	httpClient  *http.Client
	backendPort int
}

// handleInvoke forwards a function invocation to a backend picked by the
// client address's position on the function's hash ring. The method, headers
// and body pass through verbatim; the trace context of the inbound request is
// injected into the outbound headers.
func (h *httpHandler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	functionID, err := uuid.Parse(vars["functionId"])
	if err != nil {
		invocations.WithLabelValues("bad_request").Inc()
		http.Error(w, "Invalid function id", http.StatusBadRequest)
		return
	}

	b, err := h.monitor.pickBackend(functionID, clientAddress(r))
	switch {
	case errors.Is(err, errFunctionNotFound):
		invocations.WithLabelValues("not_found").Inc()
		http.Error(w, "Function not found", http.StatusNotFound)
		return
	case errors.Is(err, errNoBackends):
		invocations.WithLabelValues("unavailable").Inc()
		http.Error(w, "No backends available", http.StatusServiceUnavailable)
		return
	}

	target := fmt.Sprintf("http://%s:%d/invoke/%s/%s", b.ip, h.backendPort, b.instanceID, vars["path"])
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		invocations.WithLabelValues("error").Inc()
		http.Error(w, "Cannot build backend request", http.StatusInternalServerError)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.ContentLength = r.ContentLength
	otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(outReq.Header))

	resp, err := h.httpClient.Do(outReq)
	if err != nil {
		log.WithError(err).Errorf("Request to backend %s for function %s failed", b.ip, functionID)
		invocations.WithLabelValues("upstream_error").Inc()
		http.Error(w, "Backend request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WithError(err).Warnf("Streaming response from backend %s failed", b.ip)
		invocations.WithLabelValues("stream_error").Inc()
		return
	}
	invocations.WithLabelValues("ok").Inc()
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func copyHeader(dst http.Header, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}

// clientAddress returns the IP of the connected client, the hash key that
// pins a client to a backend.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
