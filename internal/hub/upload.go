// Copyright 2025 ByteDance Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"github.com/pkg/errors"

	"github.com/cloudwego/mcpflow/internal/invoke"
	"github.com/cloudwego/mcpflow/internal/log"
)

// UploadIcon stores a PNG on the hub and returns its serving URL. The
// multipart body is buffered up front so the invoker can replay it.
func (c *Client) UploadIcon(ctx context.Context, name string, png []byte) (string, error) {
	if len(png) == 0 {
		return "", fmt.Errorf("upload %s: empty image", name)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, name))
	h.Set("Content-Type", "image/png")
	part, err := w.CreatePart(h)
	if err != nil {
		return "", errors.Wrap(err, "build upload form")
	}
	if _, err := part.Write(png); err != nil {
		return "", errors.Wrap(err, "build upload form")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "build upload form")
	}

	hdr := http.Header{}
	hdr.Set("Content-Type", w.FormDataContentType())
	resp, err := c.iv.Do(ctx, &invoke.Request{
		Method: http.MethodPost,
		URL:    c.base + "/api/file/upload",
		Header: hdr,
		Body:   buf.Bytes(),
	})
	if err != nil {
		return "", wrapHubError(err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return "", errors.Wrap(err, "decode upload response")
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil || body.URL == "" {
		return "", fmt.Errorf("upload %s: response carries no url", name)
	}
	log.Info("hub: uploaded icon %s (%d bytes) -> %s\n", name, len(png), body.URL)
	return body.URL, nil
}
