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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegistrationInfo{
			EndpointID: "ep-uuid",
			CommandQueue: QueueInfo{
				ConnectionURL: "amqp://broker/",
				Queue:         "cmd-queue",
			},
			ResultQueue: QueueInfo{
				ConnectionURL: "amqp://broker/",
				Queue:         "result-queue",
			},
		})
	}))
	defer srv.Close()

	info, err := Register(context.Background(), srv.URL, "production", "ep1", "ep-uuid")
	require.NoError(t, err)
	assert.Equal(t, "ep-uuid", info.EndpointID)
	assert.Equal(t, "cmd-queue", info.CommandQueue.Queue)
}

func TestRegisterPermanentRejectionMapsToExUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	_, err := Register(context.Background(), srv.URL, "production", "ep1", "ep-uuid")
	require.Error(t, err)
	var ec *registrationError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, ExUnavailable, ec.ExitCode())
}

func TestRegisterMalformedRequestMapsToExDataErr(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := Register(context.Background(), srv.URL, "production", "ep1", "ep-uuid")
	var ec *registrationError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, ExDataErr, ec.ExitCode())
}

func TestRegisterMismatchedEndpointIDMapsToExSoftware(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(RegistrationInfo{
			EndpointID:   "different-uuid",
			CommandQueue: QueueInfo{ConnectionURL: "amqp://broker/", Queue: "q"},
			ResultQueue:  QueueInfo{ConnectionURL: "amqp://broker/", Queue: "q"},
		})
	}))
	defer srv.Close()

	_, err := Register(context.Background(), srv.URL, "production", "ep1", "ep-uuid")
	var ec *registrationError
	require.True(t, errors.As(err, &ec))
	assert.Equal(t, ExSoftware, ec.ExitCode())
}

func TestUpdateURLPortAcceptsOnlyValidPorts(t *testing.T) {
	out, err := UpdateURLPort("amqp://broker.example.test/", 5671)
	require.NoError(t, err)
	assert.Equal(t, "amqp://broker.example.test:5671/", out)

	_, err = UpdateURLPort("amqp://broker.example.test/", 1234)
	assert.Error(t, err)
}

func TestUpdateURLPortZeroIsNoop(t *testing.T) {
	out, err := UpdateURLPort("amqp://broker.example.test/", 0)
	require.NoError(t, err)
	assert.Equal(t, "amqp://broker.example.test/", out)
}
