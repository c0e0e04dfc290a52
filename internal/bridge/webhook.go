package bridge

import (
	"fmt"
	"log/slog"
	"net/http"

	twilioclient "github.com/twilio/twilio-go/client"
)

// terminalCallStatuses are the status-callback values that end a call.
var terminalCallStatuses = map[string]bool{
	"completed": true,
	"busy":      true,
	"failed":    true,
	"no-answer": true,
	"canceled":  true,
}

// Webhook handles the carrier's voice webhook: it authenticates requests
// with the account auth token, registers the call as active and answers
// with TwiML connecting the call to the media stream endpoint.
type Webhook struct {
	calls     *CallRegistry
	validator twilioclient.RequestValidator

	// streamPath is the WebSocket path advertised in the TwiML response.
	streamPath string

	log *slog.Logger
}

// NewWebhook creates the webhook handler. authToken signs every carrier
// request; requests with a bad or missing signature are rejected.
func NewWebhook(authToken string, calls *CallRegistry, log *slog.Logger) *Webhook {
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		calls:      calls,
		validator:  twilioclient.NewRequestValidator(authToken),
		streamPath: "/media-stream",
		log:        log,
	}
}

// ServeHTTP authenticates and processes one webhook POST. Incoming calls
// get a TwiML stream-connect response; terminal status callbacks unregister
// the call.
func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	params := make(map[string]string, len(r.PostForm))
	for key := range r.PostForm {
		params[key] = r.PostForm.Get(key)
	}
	url := requestURL(r)
	signature := r.Header.Get("X-Twilio-Signature")
	if !wh.validator.Validate(url, params, signature) {
		wh.log.Warn("webhook signature rejected", "remote", r.RemoteAddr, "url", url)
		http.Error(w, "signature validation failed", http.StatusForbidden)
		return
	}

	callSID := r.PostForm.Get("CallSid")
	if callSID == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	if status := r.PostForm.Get("CallStatus"); terminalCallStatuses[status] {
		wh.calls.Unregister(callSID)
		wh.log.Info("call ended", "callSid", callSID, "status", status)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wh.calls.Register(callSID)
	wh.log.Info("call registered", "callSid", callSID)

	streamURL := "wss://" + r.Host + wh.streamPath
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<Response><Connect><Stream url="%s"/></Connect></Response>
`, streamURL)
}

// requestURL reconstructs the public URL the carrier signed. The carrier
// always calls over HTTPS; honor the forwarded proto when a proxy
// terminates TLS.
func requestURL(r *http.Request) string {
	scheme := "https"
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
