package rest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jonas747/tsshard"
	"github.com/pkg/errors"
)

// Client talks to a RESTAPI
type Client struct {
	serverAddr string
	httpClient *http.Client
}

func NewClient(serverAddr string) *Client {
	return &Client{
		serverAddr: serverAddr,
		httpClient: &http.Client{Timeout: time.Second * 10},
	}
}

func (c *Client) do(req *http.Request, dst interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WithMessage(err, "http")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithMessage(err, "read body")
	}

	if resp.StatusCode != http.StatusOK {
		var basic BasicResponse
		if json.Unmarshal(body, &basic) == nil && basic.Message != "" {
			return errors.New(basic.Message)
		}

		return errors.Errorf("unexpected status %s", resp.Status)
	}

	if dst == nil {
		return nil
	}

	return errors.WithMessage(json.Unmarshal(body, dst), "decode response")
}

func (c *Client) get(path string, dst interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.serverAddr+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, dst)
}

func (c *Client) postForm(path string, values url.Values) (string, error) {
	req, err := http.NewRequest(http.MethodPost, c.serverAddr+path, bytes.NewBufferString(values.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp BasicResponse
	err = c.do(req, &resp)
	return resp.Message, err
}

func (c *Client) GetStatus() (*StatusResponse, error) {
	var resp StatusResponse
	err := c.get("/status", &resp)
	return &resp, err
}

func (c *Client) GetDatasets() (*DatasetsResponse, error) {
	var resp DatasetsResponse
	err := c.get("/datasets", &resp)
	return &resp, err
}

func (c *Client) GetDataset(name string) (*DatasetStatus, error) {
	var resp DatasetStatus
	err := c.get("/datasets/"+url.PathEscape(name), &resp)
	return &resp, err
}

func (c *Client) Route(dataset, key string) (*RouteResponse, error) {
	var resp RouteResponse
	err := c.get("/datasets/"+url.PathEscape(dataset)+"/route?key="+url.QueryEscape(key), &resp)
	return &resp, err
}

func (c *Client) AddDataset(ds tsshard.Dataset) (string, error) {
	encoded, err := json.Marshal(ds)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.serverAddr+"/datasets", bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp BasicResponse
	err = c.do(req, &resp)
	return resp.Message, err
}

func (c *Client) RemoveDataset(name string) (string, error) {
	req, err := http.NewRequest(http.MethodDelete, c.serverAddr+"/datasets/"+url.PathEscape(name), nil)
	if err != nil {
		return "", err
	}

	var resp BasicResponse
	err = c.do(req, &resp)
	return resp.Message, err
}

func (c *Client) RemoveNode(nodeID string) (string, error) {
	return c.postForm("/removenode", url.Values{"node_id": {nodeID}})
}

func (c *Client) ShutdownNode(nodeID string) (string, error) {
	return c.postForm("/shutdownnode", url.Values{"node_id": {nodeID}})
}
