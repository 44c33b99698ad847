package httpapi

import (
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// CallCreator places outbound calls. The Twilio REST client hides behind
// this interface so handler tests can stub the provider.
type CallCreator interface {
	CreateCall(to, from, voiceURL, statusCallbackURL string) (string, error)
}

// twilioDialer creates calls through the Twilio REST API.
type twilioDialer struct {
	client *twilio.RestClient
}

// NewTwilioDialer builds a CallCreator from account credentials.
func NewTwilioDialer(accountSID, authToken string) CallCreator {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &twilioDialer{client: client}
}

// CreateCall dials out and points the answered call at voiceURL, so the
// same greeting and stream document drive outbound calls too.
func (d *twilioDialer) CreateCall(to, from, voiceURL, statusCallbackURL string) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	if statusCallbackURL != "" {
		params.SetStatusCallback(statusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("twilio create call: %w", err)
	}
	if resp.Sid == nil {
		return "", errors.New("twilio response is missing the call sid")
	}
	return *resp.Sid, nil
}
