package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/randevu-watch/internal/appointment"
)

// BookFunc executes an operator-chosen booking decoded from a button tap.
type BookFunc func(ctx context.Context, patientID int64, target appointment.BookTarget)

// Poller long-polls Telegram for callback queries and turns
// "book|patient|date|hour|subtime" payloads into booking invocations.
type Poller struct {
	Client *Client
	Book   BookFunc
	Log    zerolog.Logger

	offset int64
	// long-poll needs a laxer timeout than the send client
	hc *http.Client
}

// Run polls until ctx is cancelled. Booking runs are dispatched in their own
// goroutines so a long booking never stalls the poll loop.
func (p *Poller) Run(ctx context.Context) {
	if !p.Client.Enabled() {
		p.Log.Info().Msg("telegram not configured, poller disabled")
		return
	}
	if p.hc == nil {
		p.hc = &http.Client{Timeout: 35 * time.Second}
	}
	p.Log.Info().Msg("telegram poller started")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := p.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.Log.Warn().Err(err).Msg("polling updates failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			if u.CallbackQuery == nil {
				continue
			}
			p.handleCallback(ctx, u.CallbackQuery)
		}
	}
}

type update struct {
	UpdateID      int64          `json:"update_id"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type callbackQuery struct {
	ID   string `json:"id"`
	Data string `json:"data"`
}

func (p *Poller) getUpdates(ctx context.Context) ([]update, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=25&offset=%d&allowed_updates=%s",
		p.Client.baseURL, p.Client.token, p.offset, `["callback_query"]`)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	res, err := p.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("telegram: getUpdates status=%d: %s", res.StatusCode, b)
	}

	var body struct {
		OK     bool     `json:"ok"`
		Result []update `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, err
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram: getUpdates not ok")
	}
	return body.Result, nil
}

func (p *Poller) handleCallback(ctx context.Context, cb *callbackQuery) {
	p.ack(ctx, cb.ID)

	patientID, target, ok := parseBookPayload(cb.Data)
	if !ok {
		p.Log.Warn().Str("data", cb.Data).Msg("unrecognized callback payload")
		return
	}

	p.Log.Info().
		Int64("patient_id", patientID).
		Str("date", target.Date).
		Str("subtime", target.Subtime).
		Msg("operator booking request")

	go p.Book(ctx, patientID, target)
}

// ack answers the callback query so the client stops showing a spinner.
func (p *Poller) ack(ctx context.Context, id string) {
	url := fmt.Sprintf("%s/bot%s/answerCallbackQuery?callback_query_id=%s", p.Client.baseURL, p.Client.token, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	res, err := p.Client.hc.Do(req)
	if err != nil {
		return
	}
	_ = res.Body.Close()
}

func parseBookPayload(data string) (int64, appointment.BookTarget, bool) {
	parts := strings.Split(data, "|")
	if len(parts) != 5 || parts[0] != "book" {
		return 0, appointment.BookTarget{}, false
	}
	pid, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, appointment.BookTarget{}, false
	}
	return pid, appointment.BookTarget{Date: parts[2], Hour: parts[3], Subtime: parts[4]}, true
}
