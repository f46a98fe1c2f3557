package middleware

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func TestHTTPBearerAuthMiddleware(t *testing.T) {
	tests := []struct {
		name          string
		header        string
		validator     *testTokenValidator
		wantStatus    int
		wantValidated bool
	}{
		{"missing token", "", &testTokenValidator{}, http.StatusUnauthorized, false},
		{"basic scheme", "Basic abc", &testTokenValidator{}, http.StatusUnauthorized, false},
		{"wrong token", "Bearer bad", &testTokenValidator{expectedToken: "good", operator: "ops"}, http.StatusUnauthorized, true},
		{"blank operator", "Bearer good", &testTokenValidator{expectedToken: "good"}, http.StatusUnauthorized, true},
		{"valid token", "Bearer good", &testTokenValidator{expectedToken: "good", operator: "ops"}, http.StatusNoContent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOperator string
			handler := HTTPBearerAuthMiddleware(tt.validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotOperator, _ = OperatorFromContext(r.Context())
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPut, "/v1/regions/overworld/spawn/flags/pvp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.validator.called != tt.wantValidated {
				t.Fatalf("validator called = %v, want %v", tt.validator.called, tt.wantValidated)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := rec.Header().Get("WWW-Authenticate"); got != "Bearer" {
					t.Fatalf("WWW-Authenticate = %q, want Bearer", got)
				}
				return
			}
			if gotOperator != "ops" {
				t.Fatalf("OperatorFromContext() = %q, want ops", gotOperator)
			}
		})
	}
}

func TestHTTPBearerAuthMiddleware_RateLimitAndFailureHook(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 2)
	defer rl.Stop()

	failures := 0
	handler := HTTPBearerAuthMiddleware(&testTokenValidator{expectedToken: "good", operator: "ops"},
		WithRateLimiter(rl),
		WithOnAuthFailure(func() { failures++ }),
	)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expected next handler not to be called")
	}))

	var codes []int
	for range 3 {
		req := httptest.NewRequest(http.MethodDelete, "/v1/regions/overworld/spawn", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		req.Header.Set("Authorization", "Bearer bad")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	want := []int{http.StatusUnauthorized, http.StatusUnauthorized, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("attempt %d status = %d, want %d", i+1, codes[i], want[i])
		}
	}
	if failures != 3 {
		t.Fatalf("failure hook called %d times, want 3", failures)
	}
}

func TestUnaryBearerAuthInterceptor(t *testing.T) {
	validator := &testTokenValidator{expectedToken: "good", operator: "ops"}
	interceptor := UnaryBearerAuthInterceptor(validator)

	t.Run("missing metadata", func(t *testing.T) {
		_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{}, func(context.Context, any) (any, error) {
			t.Fatal("expected handler not to be called")
			return nil, nil
		})
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("code = %v, want %v", status.Code(err), codes.Unauthenticated)
		}
	})

	t.Run("second header valid", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(
			"authorization", "Bearer bad",
			"authorization", "Bearer good",
		))
		resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, func(ctx context.Context, _ any) (any, error) {
			operator, _ := OperatorFromContext(ctx)
			return operator, nil
		})
		if err != nil {
			t.Fatalf("interceptor() error = %v", err)
		}
		if resp != "ops" {
			t.Fatalf("operator = %v, want ops", resp)
		}
	})
}

func TestUnaryBearerAuthInterceptor_RateLimited(t *testing.T) {
	rl := NewRateLimiter(context.Background(), 1)
	defer rl.Stop()
	interceptor := UnaryBearerAuthInterceptor(&testTokenValidator{expectedToken: "good", operator: "ops"}, WithRateLimiter(rl))

	ctx := peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.2.2.2"), Port: 1}})
	ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer bad"))

	handler := func(context.Context, any) (any, error) { return nil, nil }
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("first attempt code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
	if _, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{}, handler); status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("second attempt code = %v, want %v", status.Code(err), codes.ResourceExhausted)
	}
}

func TestStreamBearerAuthInterceptor(t *testing.T) {
	interceptor := StreamBearerAuthInterceptor(&testTokenValidator{expectedToken: "good", operator: "ops"})
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "bearer good"))

	var gotOperator string
	err := interceptor(nil, &testServerStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
		gotOperator, _ = OperatorFromContext(ss.Context())
		return nil
	})
	if err != nil {
		t.Fatalf("interceptor() error = %v", err)
	}
	if gotOperator != "ops" {
		t.Fatalf("OperatorFromContext() = %q, want ops", gotOperator)
	}

	err = interceptor(nil, &testServerStream{ctx: context.Background()}, &grpc.StreamServerInfo{}, func(any, grpc.ServerStream) error {
		t.Fatal("expected handler not to be called")
		return nil
	})
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("code = %v, want %v", status.Code(err), codes.Unauthenticated)
	}
}

func TestOperatorTokens(t *testing.T) {
	token, hash, err := GenerateToken("ops")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	tokens := NewOperatorTokens(map[string]string{"ops": hash})
	if tokens.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tokens.Len())
	}

	operator, err := tokens.ValidateToken(context.Background(), token)
	if err != nil || operator != "ops" {
		t.Fatalf("ValidateToken(valid) = %q, %v; want ops, nil", operator, err)
	}

	for _, bad := range []string{"", "ops", "ops.", ".secret", "ops.wrong", "other." + token[len("ops."):]} {
		if _, err := tokens.ValidateToken(context.Background(), bad); err == nil {
			t.Errorf("ValidateToken(%q) error = nil, want non-nil", bad)
		}
	}
}

func TestGenerateTokenRejectsBadIDs(t *testing.T) {
	for _, id := range []string{"", "a.b", "a:b", "a,b"} {
		if _, _, err := GenerateToken(id); err == nil {
			t.Errorf("GenerateToken(%q) error = nil, want non-nil", id)
		}
	}
}

func TestTokenMatchesHash(t *testing.T) {
	hash, err := HashToken("secret")
	if err != nil {
		t.Fatalf("HashToken() error = %v, want nil", err)
	}
	if !TokenMatchesHash(hash, "secret") {
		t.Fatal("expected token to match hash")
	}
	if TokenMatchesHash(hash, "wrong") {
		t.Fatal("expected token mismatch")
	}
	if TokenMatchesHash("not-a-hash", "secret") {
		t.Fatal("expected invalid hash to fail")
	}
}
