package gateway

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/synnergy-mu/cluster/internal/clusterid"
	"github.com/synnergy-mu/cluster/internal/protocol"
	"github.com/synnergy-mu/cluster/internal/stack"
)

type fakeInvoker struct {
	response []byte
	err      error
	lastReq  []byte
}

func (f *fakeInvoker) Invoke(_ context.Context, _ clusterid.StackID, _ string, _ string, _ uint64, request []byte) ([]byte, error) {
	f.lastReq = request
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeUsage struct {
	calls []uint64
}

func (f *fakeUsage) ReportUsage(_ clusterid.StackID, traffic uint64) { f.calls = append(f.calls, traffic) }

func buildTestStack(t *testing.T) stack.Validated {
	t.Helper()
	id, err := clusterid.RandomStackID('s')
	if err != nil {
		t.Fatalf("RandomStackID: %v", err)
	}
	def := stack.Definition{
		ID:      id,
		Name:    "demo",
		Version: "1",
		Services: []stack.Service{
			{Function: &stack.Function{Name: "handler", BinaryRef: "ref", Runtime: stack.WasmRuntimeWasi10, MemoryLimit: stack.MinMemoryLimitBytes}},
			{Gateway: &stack.Gateway{
				Name: "api",
				Endpoints: map[string]map[stack.HTTPMethod]stack.GatewayTarget{
					"/items/{id}": {
						stack.MethodGet: {Assembly: "demo.wasm", Function: "handler"},
					},
				},
			}},
		},
		Revision: 1,
	}
	v, err := def.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return v
}

func TestGatewayRoutesMatchingRequest(t *testing.T) {
	v := buildTestStack(t)
	inv := &fakeInvoker{response: []byte("ok")}
	usage := &fakeUsage{}
	g := New(Config{RateLimitPerSecond: 1000, RateLimitBurst: 1000}, inv, usage)

	if err := g.DeployGateways(context.Background(), v); err != nil {
		t.Fatalf("DeployGateways: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/"+v.ID.String()+"/api/items/42", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q, want ok", w.Body.String())
	}
	if len(usage.calls) != 1 || usage.calls[0] == 0 {
		t.Fatalf("expected one non-zero usage report, got %+v", usage.calls)
	}
}

func TestGatewayReturns404ForUnknownStack(t *testing.T) {
	inv := &fakeInvoker{}
	g := New(Config{}, inv, &fakeUsage{})

	id, _ := clusterid.RandomStackID('s')
	req := httptest.NewRequest(http.MethodGet, "/"+id.String()+"/api/items/1", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGatewayReturns404ForUnmatchedMethod(t *testing.T) {
	v := buildTestStack(t)
	g := New(Config{}, &fakeInvoker{}, &fakeUsage{})
	_ = g.DeployGateways(context.Background(), v)

	req := httptest.NewRequest(http.MethodPost, "/"+v.ID.String()+"/api/items/42", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for wrong method", w.Code)
	}
}

func TestGatewayDeleteGatewaysRemovesRoute(t *testing.T) {
	v := buildTestStack(t)
	g := New(Config{}, &fakeInvoker{response: []byte("ok")}, &fakeUsage{})
	_ = g.DeployGateways(context.Background(), v)
	_ = g.DeleteGateways(context.Background(), v.ID)

	req := httptest.NewRequest(http.MethodGet, "/"+v.ID.String()+"/api/items/42", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 after DeleteGateways", w.Code)
	}
}

func TestGatewayForwardsRequestBody(t *testing.T) {
	v := buildTestStack(t)
	inv := &fakeInvoker{response: []byte("ok")}
	g := New(Config{}, inv, &fakeUsage{})
	_ = g.DeployGateways(context.Background(), v)

	req := httptest.NewRequest(http.MethodGet, "/"+v.ID.String()+"/api/items/42", bytes.NewReader([]byte("payload")))
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	fnReq, err := protocol.DecodeFunctionRequest(inv.lastReq)
	if err != nil {
		t.Fatalf("DecodeFunctionRequest: %v", err)
	}
	if string(fnReq.Body) != "payload" {
		t.Fatalf("body = %q, want payload", fnReq.Body)
	}
}

func TestGatewayExtractsPathParams(t *testing.T) {
	v := buildTestStack(t)
	inv := &fakeInvoker{response: []byte("ok")}
	g := New(Config{}, inv, &fakeUsage{})
	_ = g.DeployGateways(context.Background(), v)

	req := httptest.NewRequest(http.MethodGet, "/"+v.ID.String()+"/api/items/42", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	fnReq, err := protocol.DecodeFunctionRequest(inv.lastReq)
	if err != nil {
		t.Fatalf("DecodeFunctionRequest: %v", err)
	}
	if fnReq.PathParams["id"] != "42" {
		t.Fatalf("path params = %+v, want id=42", fnReq.PathParams)
	}
}
