package main

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func newTestHandler(t *testing.T, port int) (*httpHandler, *backendMonitor) {
	monitor := newTestMonitor(newFakeRegistry())
	handler := &httpHandler{
		monitor:     monitor,
		httpClient:  http.DefaultClient,
		backendPort: port,
	}
	return handler, monitor
}

func serverPort(t *testing.T, server *httptest.Server) int {
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)
	return port
}

func TestInvokeUnknownFunctionReturnsNotFound(t *testing.T) {
	handler, monitor := newTestHandler(t, backendPort)
	router := newRouter(handler, monitor)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestInvokeFunctionWithEmptyRingReturnsUnavailable(t *testing.T) {
	handler, monitor := newTestHandler(t, backendPort)
	functionID := uuid.New()
	monitor.directory.put(functionID, newHashRing(nil))
	router := newRouter(handler, monitor)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/"+functionID.String(), nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestInvokeRejectsMalformedFunctionID(t *testing.T) {
	handler, monitor := newTestHandler(t, backendPort)
	router := newRouter(handler, monitor)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestInvokeForwardsRequestToPickedBackend(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotHeader string
		gotBody   []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Custom")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Backend", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("backend says hi"))
	}))
	defer server.Close()

	handler, monitor := newTestHandler(t, serverPort(t, server))
	functionID := uuid.New()
	instance := backend{ip: "127.0.0.1", instanceID: uuid.New()}
	monitor.directory.put(functionID, newHashRing([]backend{instance}))
	router := newRouter(handler, monitor)

	request := httptest.NewRequest("POST", "/invoke/"+functionID.String()+"/orders/42", strings.NewReader("payload"))
	request.Header.Set("X-Custom", "custom-value")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "/invoke/"+instance.instanceID.String()+"/orders/42", gotPath)
	assert.Equal(t, "custom-value", gotHeader)
	assert.Equal(t, "payload", string(gotBody))

	assert.Equal(t, http.StatusCreated, recorder.Code)
	assert.Equal(t, "yes", recorder.Header().Get("X-Backend"))
	assert.Equal(t, "backend says hi", recorder.Body.String())
}

func TestInvokeAtFunctionRootForwardsEmptySuffix(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
	}))
	defer server.Close()

	handler, monitor := newTestHandler(t, serverPort(t, server))
	functionID := uuid.New()
	instance := backend{ip: "127.0.0.1", instanceID: uuid.New()}
	monitor.directory.put(functionID, newHashRing([]backend{instance}))
	router := newRouter(handler, monitor)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/"+functionID.String(), nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "/invoke/"+instance.instanceID.String()+"/", gotPath)

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/invoke/"+functionID.String()+"/", nil))
	assert.Equal(t, "/invoke/"+instance.instanceID.String()+"/", gotPath)
}

func TestInvokeIsStickyPerClientAddress(t *testing.T) {
	var gotPaths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPaths = append(gotPaths, r.URL.Path)
	}))
	defer server.Close()

	handler, monitor := newTestHandler(t, serverPort(t, server))
	functionID := uuid.New()
	first := backend{ip: "127.0.0.1", instanceID: uuid.New()}
	second := backend{ip: "127.0.0.1", instanceID: uuid.New()}
	monitor.directory.put(functionID, newHashRing([]backend{first, second}))
	router := newRouter(handler, monitor)

	// httptest requests share one client address, so every invocation must
	// land on the same instance.
	for i := 0; i < 5; i++ {
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/"+functionID.String(), nil))
		assert.Equal(t, http.StatusOK, recorder.Code)
	}

	require.Len(t, gotPaths, 5)
	for _, path := range gotPaths {
		assert.Equal(t, gotPaths[0], path)
	}
}

func TestInvokeSurfacesUpstreamFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	handler, monitor := newTestHandler(t, port)
	functionID := uuid.New()
	monitor.directory.put(functionID, newHashRing([]backend{{ip: "127.0.0.1", instanceID: uuid.New()}}))
	router := newRouter(handler, monitor)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/"+functionID.String(), nil))
	assert.Equal(t, http.StatusBadGateway, recorder.Code)
}

func TestInvokeRecordsTruncatedResponseStream(t *testing.T) {
	// The backend promises more bytes than it writes, so relaying the body
	// fails after the status line has already gone out.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("short"))
	}))
	defer server.Close()

	handler, monitor := newTestHandler(t, serverPort(t, server))
	functionID := uuid.New()
	monitor.directory.put(functionID, newHashRing([]backend{{ip: "127.0.0.1", instanceID: uuid.New()}}))
	router := newRouter(handler, monitor)

	okBefore := testutil.ToFloat64(invocations.WithLabelValues("ok"))
	streamErrBefore := testutil.ToFloat64(invocations.WithLabelValues("stream_error"))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/invoke/"+functionID.String(), nil))
	assert.Equal(t, http.StatusOK, recorder.Code)

	assert.Equal(t, okBefore, testutil.ToFloat64(invocations.WithLabelValues("ok")))
	assert.Equal(t, streamErrBefore+1, testutil.ToFloat64(invocations.WithLabelValues("stream_error")))
}

func TestInvokePropagatesTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator())

	var gotTraceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceparent = r.Header.Get("Traceparent")
	}))
	defer server.Close()

	handler, monitor := newTestHandler(t, serverPort(t, server))
	functionID := uuid.New()
	monitor.directory.put(functionID, newHashRing([]backend{{ip: "127.0.0.1", instanceID: uuid.New()}}))
	router := newRouter(handler, monitor)

	spanContext := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01},
		SpanID:     trace.SpanID{0x02},
		TraceFlags: trace.FlagsSampled,
	})
	request := httptest.NewRequest("GET", "/invoke/"+functionID.String(), nil)
	request = request.WithContext(trace.ContextWithSpanContext(request.Context(), spanContext))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, gotTraceparent, "01000000000000000000000000000000")
}

func TestHealthzEndpoint(t *testing.T) {
	handler, monitor := newTestHandler(t, backendPort)
	router := newRouter(handler, monitor)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "OK", recorder.Body.String())
}
