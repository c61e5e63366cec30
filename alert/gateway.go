/*
Copyright © 2024 the BurnCoord authors.
This file is part of BurnCoord.

BurnCoord is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

BurnCoord is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with BurnCoord.  If not, see <http://www.gnu.org/licenses/>.
*/

package alert

import (
	"context"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/spatialmodel/burncoord"
)

// A Gateway delivers one message to one address on one channel.
// Errors of kind UPSTREAM are retried; anything else is permanent.
type Gateway interface {
	Deliver(ctx context.Context, to, subject, body string) error
}

// TwilioGateway sends SMS or voice messages through a
// Twilio-compatible HTTP API.
type TwilioGateway struct {
	BaseURL    string // e.g. https://api.twilio.com
	AccountSID string
	AuthToken  string
	From       string // sending phone number, E.164
	Voice      bool   // true places calls instead of texting
	// Client is the HTTP client to use. If nil, a client with a 10 s
	// timeout is used.
	Client *http.Client
}

func (g *TwilioGateway) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Deliver implements Gateway.
func (g *TwilioGateway) Deliver(ctx context.Context, to, subject, body string) error {
	var (
		path string
		form url.Values
	)
	if g.Voice {
		path = fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", g.AccountSID)
		form = url.Values{
			"To":    {to},
			"From":  {g.From},
			"Twiml": {"<Response><Say>" + xmlEscape(body) + "</Say></Response>"},
		}
	} else {
		path = fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", g.AccountSID)
		form = url.Values{
			"To":   {to},
			"From": {g.From},
			"Body": {subject + "\n" + body},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return burncoord.WrapErr(burncoord.KindInternal, err, "alert: building gateway request")
	}
	req.SetBasicAuth(g.AccountSID, g.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client().Do(req)
	if err != nil {
		return burncoord.WrapErr(burncoord.KindUpstream, err, "alert: calling message gateway")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return burncoord.Errorf(burncoord.KindRateLimited, "alert: gateway rate limited")
	case resp.StatusCode >= 500:
		return burncoord.Errorf(burncoord.KindUpstream, "alert: gateway status %d", resp.StatusCode)
	default:
		return burncoord.Errorf(burncoord.KindValidation, "alert: gateway rejected message with status %d", resp.StatusCode)
	}
}

func xmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// SMTPGateway sends email through an SMTP relay.
type SMTPGateway struct {
	Addr string // host:port
	From string
	Auth smtp.Auth // nil for unauthenticated relays
}

// Deliver implements Gateway.
func (g *SMTPGateway) Deliver(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return burncoord.WrapErr(burncoord.KindCancelled, err, "alert: email send cancelled")
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		g.From, to, subject, body)
	if err := smtp.SendMail(g.Addr, g.Auth, g.From, []string{to}, []byte(msg)); err != nil {
		return burncoord.WrapErr(burncoord.KindUpstream, err, "alert: sending email")
	}
	return nil
}
