package httpserver

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/andrebq/openx/internal/config"
)

func TestServeUntilCancelled(t *testing.T) {
	lst, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	result := make(chan error, 1)
	go func() {
		result <- ServeListener(ctx, lst, config.Server{ShutdownTimeout: time.Second}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "ok")
		}))
	}()

	res, err := http.Get("http://" + lst.Addr().String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("graceful shutdown should not report an error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after the context was cancelled")
	}
}

func TestServeReportsBindErrors(t *testing.T) {
	err := Serve(context.Background(), config.Server{Bind: "256.0.0.1:0"}, http.NotFoundHandler())
	if err == nil {
		t.Fatal("invalid bind address should fail")
	}
}
