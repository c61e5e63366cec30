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

package coordinate

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/spatialmodel/burncoord"
)

// APIEmbedder is an Embedder backed by a text-embedding HTTP API that
// accepts `{"input": "..."}` and responds with
// `{"embedding": [..]}`.
type APIEmbedder struct {
	BaseURL string
	APIKey  string
	// Client is the HTTP client to use. If nil, a client with a 5 s
	// timeout is used.
	Client *http.Client
}

func (e *APIEmbedder) client() *http.Client {
	if e.Client != nil {
		return e.Client
	}
	return &http.Client{Timeout: 5 * time.Second}
}

// Embed implements Embedder.
func (e *APIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]string{"input": text})
	if err != nil {
		return nil, burncoord.WrapErr(burncoord.KindInternal, err, "coordinate: encoding embedding request")
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.BaseURL+"/v1/embeddings", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+e.APIKey)
		resp, err := e.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return backoff.Permanent(burncoord.WrapErr(burncoord.KindUpstream, err,
					"coordinate: decoding embedding response"))
			}
			return nil
		case resp.StatusCode >= 500:
			return burncoord.Errorf(burncoord.KindUpstream, "coordinate: embedding provider status %d", resp.StatusCode)
		default:
			return backoff.Permanent(burncoord.Errorf(burncoord.KindUpstream,
				"coordinate: embedding provider status %d", resp.StatusCode))
		}
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, burncoord.Errorf(burncoord.KindUpstream, "coordinate: embedding provider returned no vector")
	}
	return out.Embedding, nil
}
