package api

import (
	"fmt"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
)

type Client struct {
	client  *resty.Client
	APIHost string
	NodeID  int
	Key     string
}

type ClientInfo struct {
	APIHost string
	NodeID  int
	Key     string
}

func New(apiConfig *Config) *Client {
	client := resty.New()
	client.SetRetryCount(3)
	if apiConfig.Timeout > 0 {
		client.SetTimeout(time.Duration(apiConfig.Timeout) * time.Second)
	} else {
		client.SetTimeout(30 * time.Second)
	}

	client.OnError(func(req *resty.Request, err error) {
		if v, ok := err.(*resty.ResponseError); ok {
			// v.Response contains the last response from the server
			// v.Err contains the original error
			log.Print(v.Err)
		}
	})

	client.SetBaseURL(apiConfig.APIHost)

	return &Client{
		client:  client,
		NodeID:  apiConfig.NodeID,
		Key:     apiConfig.Key,
		APIHost: apiConfig.APIHost,
	}
}

func (c *Client) Describe() ClientInfo {
	return ClientInfo{APIHost: c.APIHost, NodeID: c.NodeID, Key: c.Key}
}

func (c *Client) Debug() {
	c.client.SetDebug(true)
}

func (c *Client) checkResponse(res *resty.Response, err error) (*simplejson.Json, error) {
	if err != nil {
		// Get request URL from response
		var requestURL string
		if res != nil && res.Request != nil && res.Request.RawRequest != nil {
			requestURL = res.Request.RawRequest.URL.String()
		}

		return nil, fmt.Errorf("request error occurred for URL %s: %s", requestURL, err)
	}

	if res.StatusCode() >= 400 {
		requestURL := "unknown"
		if res.Request != nil && res.Request.RawRequest != nil {
			requestURL = res.Request.RawRequest.URL.String()
		}

		return nil, fmt.Errorf("request %s failed: %s", requestURL, string(res.Body()))
	}

	result, err := simplejson.NewJson(res.Body())
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %s", res.String())
	}

	return result, nil
}
