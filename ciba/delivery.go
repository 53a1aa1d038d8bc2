package ciba

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"ticketd/ticket"
)

// DeliveryHandler fans the outcome of a completed ceremony out to the
// relying party according to its registered delivery mode.
type DeliveryHandler interface {
	Supports(c Client) bool
	Deliver(ctx context.Context, c Client, req *ticket.CibaRequest) error
}

// TokenMinter produces the token response pushed to push-mode clients. The
// server's token service implements it.
type TokenMinter interface {
	MintBackchannel(ctx context.Context, req *ticket.CibaRequest) (map[string]any, error)
}

// Notifier posts a JSON body to a client's notification endpoint with the
// bearer token the client supplied at request time. Only the response status
// class is inspected.
type Notifier struct {
	Client *http.Client
	Logger *slog.Logger
}

func (n *Notifier) Notify(ctx context.Context, endpoint, bearer string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ciba: notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// validateDelivery re-checks the relying party's registration at delivery
// time. Registrations can change between Record and Deliver, so every handler
// runs it before any side effect.
func validateDelivery(c Client, mode Mode) error {
	if !c.SupportsCiba {
		return fmt.Errorf("%w: client %s does not allow the ciba grant", ErrInvalidBackchannelRequest, c.ID)
	}
	if c.DeliveryMode != mode {
		return fmt.Errorf("%w: client %s is not registered for %s delivery", ErrInvalidBackchannelRequest, c.ID, mode)
	}
	if mode == ModePing || mode == ModePush {
		if c.NotificationEndpoint == "" {
			return fmt.Errorf("%w: client %s has no notification endpoint", ErrInvalidBackchannelRequest, c.ID)
		}
	}
	return nil
}

// PollHandler serves poll-mode clients. Completion requires no outbound
// call; the client discovers readiness at the token endpoint.
type PollHandler struct {
	Logger *slog.Logger
}

func (h *PollHandler) Supports(c Client) bool { return c.DeliveryMode == ModePoll }

func (h *PollHandler) Deliver(ctx context.Context, c Client, req *ticket.CibaRequest) error {
	if err := validateDelivery(c, ModePoll); err != nil {
		return err
	}
	h.Logger.Debug("backchannel request ready for polling", "client_id", c.ID, "request_id", req.TicketState.ID)
	return nil
}

// PingHandler notifies ping-mode clients that the request is ready. The body
// carries only the auth_req_id; the client still exchanges it at the token
// endpoint.
type PingHandler struct {
	Notifier *Notifier
	Logger   *slog.Logger
}

func (h *PingHandler) Supports(c Client) bool { return c.DeliveryMode == ModePing }

func (h *PingHandler) Deliver(ctx context.Context, c Client, req *ticket.CibaRequest) error {
	if err := validateDelivery(c, ModePing); err != nil {
		return err
	}
	body := map[string]any{"auth_req_id": EncodeRequestID(req.TicketState.ID)}
	if err := h.Notifier.Notify(ctx, c.NotificationEndpoint, req.NotificationToken, body); err != nil {
		h.Logger.Warn("ping notification failed", "client_id", c.ID, "err", err)
		return err
	}
	return nil
}

// PushHandler mints the full token response and pushes it to the client's
// notification endpoint. The ticket is consumed only after the endpoint
// acknowledges; a failed push leaves it ready so delivery can be retried.
type PushHandler struct {
	Flow     *Flow
	Notifier *Notifier
	Minter   TokenMinter
	Logger   *slog.Logger
}

func (h *PushHandler) Supports(c Client) bool { return c.DeliveryMode == ModePush }

func (h *PushHandler) Deliver(ctx context.Context, c Client, req *ticket.CibaRequest) error {
	if err := validateDelivery(c, ModePush); err != nil {
		return err
	}
	body, err := h.Minter.MintBackchannel(ctx, req)
	if err != nil {
		return err
	}
	body["auth_req_id"] = EncodeRequestID(req.TicketState.ID)
	if err := h.Notifier.Notify(ctx, c.NotificationEndpoint, req.NotificationToken, body); err != nil {
		h.Logger.Warn("push notification failed, leaving request for retry",
			"client_id", c.ID, "request_id", req.TicketState.ID, "err", err)
		return err
	}
	return h.Flow.Store.Delete(ctx, req.TicketState.ID)
}
