package api

import (
	"fmt"
	"strconv"
)

func (c *Client) ReportTraffic(sessionTraffic *[]SessionTraffic) error {
	if sessionTraffic == nil || len(*sessionTraffic) == 0 {
		return nil
	}

	data := make([]Traffic, len(*sessionTraffic))
	for i, traffic := range *sessionTraffic {
		data[i] = Traffic{
			Session:  traffic.Session,
			Client:   traffic.Client,
			Target:   traffic.Target,
			Upload:   traffic.Upload,
			Download: traffic.Download,
			Duration: traffic.Duration,
			Result:   traffic.Result,
		}
	}

	postData := &PostData{
		Key:  c.Key,
		Data: data,
	}
	res, err := c.client.R().
		SetBody(postData).
		SetPathParam("nodeId", strconv.Itoa(c.NodeID)).
		ForceContentType("application/json").
		Post("/api/tunnel/traffic/{nodeId}")

	response, err := c.checkResponse(res, err)
	if err != nil {
		return err
	}

	if status, ok := response.CheckGet("status"); ok {
		if s, _ := status.String(); s != "" && s != "success" {
			msg, _ := response.Get("message").String()
			return fmt.Errorf("report traffic rejected: %s %s", s, msg)
		}
	}

	return nil
}
