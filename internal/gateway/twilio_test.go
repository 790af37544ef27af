package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func twilioForTest(t *testing.T, status int) (*TwilioGateway, *[]*http.Request, *[]string) {
	t.Helper()

	var requests []*http.Request
	var bodies []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		requests = append(requests, r)
		bodies = append(bodies, r.PostForm.Encode())
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	gw := NewTwilioGateway(TwilioConfig{
		AccountSID: "AC_test",
		AuthToken:  "secret",
		FromNumber: "+14155238886",
		BaseURL:    srv.URL,
	}, zap.NewNop())

	return gw, &requests, &bodies
}

func TestTwilioSendText(t *testing.T) {
	gw, requests, _ := twilioForTest(t, http.StatusCreated)

	if err := gw.SendText(context.Background(), "+254700000001", "hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}

	if len(*requests) != 1 {
		t.Fatalf("got %d requests, want 1", len(*requests))
	}
	r := (*requests)[0]

	if r.URL.Path != "/2010-04-01/Accounts/AC_test/Messages.json" {
		t.Errorf("path = %s", r.URL.Path)
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "AC_test" || pass != "secret" {
		t.Error("basic auth credentials not set")
	}
	if got := r.PostForm.Get("From"); got != "whatsapp:+14155238886" {
		t.Errorf("From = %s", got)
	}
	if got := r.PostForm.Get("To"); got != "whatsapp:+254700000001" {
		t.Errorf("To = %s", got)
	}
	if got := r.PostForm.Get("Body"); got != "hello" {
		t.Errorf("Body = %s", got)
	}
}

func TestTwilioSendMedia(t *testing.T) {
	gw, requests, _ := twilioForTest(t, http.StatusCreated)

	err := gw.SendMedia(context.Background(), "+254700000001", "https://cdn.example.com/poster.jpg", "event poster")
	if err != nil {
		t.Fatalf("SendMedia() error = %v", err)
	}

	r := (*requests)[0]
	if got := r.PostForm.Get("MediaUrl"); got != "https://cdn.example.com/poster.jpg" {
		t.Errorf("MediaUrl = %s", got)
	}
	if got := r.PostForm.Get("Body"); got != "event poster" {
		t.Errorf("Body = %s", got)
	}
}

func TestTwilioErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{"201 created", http.StatusCreated, false, false},
		{"429 rate limited is transient", http.StatusTooManyRequests, true, false},
		{"500 is transient", http.StatusInternalServerError, true, false},
		{"503 is transient", http.StatusServiceUnavailable, true, false},
		{"400 is permanent", http.StatusBadRequest, true, true},
		{"401 is permanent", http.StatusUnauthorized, true, true},
		{"404 is permanent", http.StatusNotFound, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw, _, _ := twilioForTest(t, tt.status)

			err := gw.SendText(context.Background(), "+254700000001", "x")
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tt.wantPermanent)
			}
		})
	}
}

func TestTwilioNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	gw := NewTwilioGateway(TwilioConfig{
		AccountSID: "AC_test",
		AuthToken:  "secret",
		FromNumber: "+14155238886",
		BaseURL:    srv.URL,
	}, zap.NewNop())

	err := gw.SendText(context.Background(), "+254700000001", "x")
	if err == nil {
		t.Fatal("expected a network error")
	}
	if IsPermanent(err) {
		t.Error("network failures must classify as transient")
	}
}

func TestWhatsappAddr(t *testing.T) {
	if got := whatsappAddr("+254700000001"); got != "whatsapp:+254700000001" {
		t.Errorf("got %s", got)
	}
	if got := whatsappAddr("whatsapp:+254700000001"); got != "whatsapp:+254700000001" {
		t.Errorf("prefix must not be doubled, got %s", got)
	}
}
