// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package muep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// RegistrationInfo is the decoded response of the control-plane
// registration endpoint (spec §6).
type RegistrationInfo struct {
	EndpointID   string    `json:"endpoint_id"`
	CommandQueue QueueInfo `json:"command_queue_info"`
	ResultQueue  QueueInfo `json:"result_queue_info"`
}

// registrationError distinguishes the fatal registration outcomes the
// spec names (unavailable, data error, temporary failure, software), so callers can map them to exit codes
// without string-matching.
type registrationError struct {
	exitCode int
	err      error
}

func (e *registrationError) Error() string { return e.err.Error() }
func (e *registrationError) Unwrap() error { return e.err }

// ExitCode returns the sysexits.h-style code this registration failure
// should terminate the process with.
func (e *registrationError) ExitCode() int { return e.exitCode }

// Register performs the HTTP registration round-trip against the
// control plane and validates the response shape. On a permanently
// rejected registration (409/423/404), a malformed request (400/422),
// or a network failure, it returns a *registrationError carrying the
// exit code the spec mandates; callers should os.Exit with that code.
func Register(ctx context.Context, serviceAddress, environment, confDirName, endpointUUID string) (*RegistrationInfo, error) {
	body, err := json.Marshal(map[string]any{
		"funcx_service_address": serviceAddress,
		"environment":           environment,
		"name":                  confDirName,
		"endpoint_id":           endpointUUID,
		"multi_user":            true,
	})
	if err != nil {
		return nil, &registrationError{ExDataErr, fmt.Errorf("encoding registration request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceAddress, bytes.NewReader(body))
	if err != nil {
		return nil, &registrationError{ExDataErr, fmt.Errorf("building registration request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &registrationError{ExTempFail, fmt.Errorf("registering endpoint: %w", err)}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusConflict, http.StatusLocked, http.StatusNotFound:
		return nil, &registrationError{ExUnavailable, fmt.Errorf("registration rejected: %s", resp.Status)}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, &registrationError{ExDataErr, fmt.Errorf("registration request malformed: %s", resp.Status)}
	}
	if resp.StatusCode/100 != 2 {
		return nil, &registrationError{ExTempFail, fmt.Errorf("unexpected registration status: %s", resp.Status)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &registrationError{ExDataErr, fmt.Errorf("reading registration response: %w", err)}
	}

	var info RegistrationInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, &registrationError{ExDataErr, fmt.Errorf("decoding registration response: %w", err)}
	}
	if info.EndpointID == "" ||
		info.CommandQueue.ConnectionURL == "" || info.CommandQueue.Queue == "" ||
		info.ResultQueue.ConnectionURL == "" || info.ResultQueue.Queue == "" {
		return nil, &registrationError{ExDataErr, fmt.Errorf("invalid or unexpected registration data structure")}
	}

	if endpointUUID != "" && info.EndpointID != endpointUUID {
		return nil, &registrationError{ExSoftware, fmt.Errorf(
			"unexpected response from server: mismatched endpoint id (expected %s, received %s)",
			endpointUUID, info.EndpointID)}
	}

	return &info, nil
}

// validAMQPPorts are the only ports the compute web services accept
// for AMQP connections (spec §6).
var validAMQPPorts = map[int]bool{5671: true, 5672: true, 443: true}

// UpdateURLPort replaces the port component of rawURL with port, if
// port is one of the ports the control plane allows.
func UpdateURLPort(rawURL string, port int) (string, error) {
	if port == 0 {
		return rawURL, nil
	}
	if !validAMQPPorts[port] {
		return "", fmt.Errorf("invalid amqp_port %d: must be one of 5671, 5672, 443", port)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing connection url: %w", err)
	}
	host := u.Hostname()
	u.Host = host + ":" + strconv.Itoa(port)
	return u.String(), nil
}
