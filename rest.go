package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// postMessageRequest is the body for POST /messages.
type postMessageRequest struct {
	SenderID  string `json:"sender_id"`
	ProjectID string `json:"project_id"`
	Content   string `json:"content"`
	ClientKey string `json:"client_key,omitempty"`
}

// restClient talks to the backend's message store. All calls carry the
// bearer token; every non-2xx status becomes a typed *apiError.
type restClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newRESTClient(baseURL, token string, client *http.Client) *restClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &restClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
	}
}

// listMessages fetches the full message list for a project.
func (c *restClient) listMessages(ctx context.Context, projectID string) ([]Message, error) {
	path := "/messages?project_id=" + url.QueryEscape(projectID)
	body, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeMessageList(body, projectID)
}

// postMessage creates a message and returns the server-confirmed copy.
func (c *restClient) postMessage(ctx context.Context, msg Message) (Message, error) {
	req := postMessageRequest{
		SenderID:  msg.SenderID,
		ProjectID: msg.ProjectID,
		Content:   msg.Content,
		ClientKey: msg.ClientKey,
	}
	reqBody, err := json.Marshal(req)
	if err != nil {
		return Message{}, fmt.Errorf("encoding message: %w", err)
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/messages", reqBody)
	if err != nil {
		return Message{}, err
	}

	var wire wireMessage
	if err := json.Unmarshal(respBody, &wire); err != nil {
		return Message{}, fmt.Errorf("decoding created message: %w", err)
	}
	confirmed := wire.message(msg.ProjectID)
	if confirmed.SenderID == "" {
		confirmed.SenderID = msg.SenderID
	}
	if confirmed.Content == "" {
		confirmed.Content = msg.Content
	}
	if confirmed.ClientKey == "" {
		confirmed.ClientKey = msg.ClientKey
	}
	return confirmed, nil
}

// doRequest performs an HTTP request and returns the response body.
func (c *restClient) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		return nil, &apiError{Status: resp.StatusCode, Message: errResp.Error}
	}

	return respBody, nil
}
