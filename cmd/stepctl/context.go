package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type commandContext struct {
	serverFlag *string
	jsonFlag   *bool

	client *resty.Client
}

func newCommandContext(serverFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{serverFlag: serverFlag, jsonFlag: jsonFlag}
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) api() *resty.Client {
	if c.client == nil {
		c.client = resty.New().
			SetBaseURL(strings.TrimSuffix(strings.TrimSpace(*c.serverFlag), "/")).
			SetTimeout(30*time.Second).
			SetHeader("Accept", "application/json")
	}
	return c.client
}

type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// checkResponse turns transport failures and non-2xx replies into errors.
func checkResponse(resp *resty.Response, err error, action string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if resp.IsSuccess() {
		return nil
	}
	msg := http.StatusText(resp.StatusCode())
	if body, ok := resp.Error().(*apiErrorBody); ok && body != nil {
		if body.Error != "" {
			msg = body.Error
		} else if body.Message != "" {
			msg = body.Message
		}
	}
	return fmt.Errorf("%s: %s (status %d)", action, msg, resp.StatusCode())
}
