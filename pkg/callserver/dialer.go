package callserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Dialer places and terminates calls with the telephony provider.
type Dialer interface {
	PlaceCall(ctx context.Context, to, webhookURL string) (providerSID string, err error)
	Hangup(ctx context.Context, providerSID string) error
}

// TwilioCallAPI is the part of the Twilio REST API the dialer uses.
// *openapi.ApiService implements it.
type TwilioCallAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// TwilioDialer places calls through Twilio. The provider fetches call
// instructions from the webhook URL once the callee answers.
type TwilioDialer struct {
	api    TwilioCallAPI
	from   string
	logger *slog.Logger
}

// NewTwilioDialer creates a dialer authenticated with the account
// credentials in cfg.
func NewTwilioDialer(cfg Config, logger *slog.Logger) *TwilioDialer {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioAccountSID,
		Password: cfg.TwilioAuthToken,
	})
	return NewTwilioDialerWithAPI(rest.Api, cfg.TwilioPhoneNumber, logger)
}

// NewTwilioDialerWithAPI creates a dialer over an existing API client.
func NewTwilioDialerWithAPI(api TwilioCallAPI, from string, logger *slog.Logger) *TwilioDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TwilioDialer{api: api, from: from, logger: logger.With("component", "twilio_dialer")}
}

// PlaceCall dials to and returns the provider's call SID.
func (d *TwilioDialer) PlaceCall(ctx context.Context, to, webhookURL string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.from)
	params.SetUrl(webhookURL)
	params.SetMethod("POST")
	params.SetRecord(false)

	call, err := d.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call: %w", describeTwilioError(err))
	}
	if call == nil || call.Sid == nil {
		return "", errors.New("create call: response missing sid")
	}

	d.logger.Info("call placed", "to", to, "call_sid", *call.Sid)
	return *call.Sid, nil
}

// Hangup ends an in-progress call by moving it to completed.
func (d *TwilioDialer) Hangup(ctx context.Context, providerSID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := d.api.UpdateCall(providerSID, params); err != nil {
		return fmt.Errorf("end call %s: %w", providerSID, describeTwilioError(err))
	}

	d.logger.Info("call ended with provider", "call_sid", providerSID)
	return nil
}

func describeTwilioError(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return fmt.Errorf("twilio error %d (status %d): %s: %w", restErr.Code, restErr.Status, restErr.Message, err)
	}
	return err
}
