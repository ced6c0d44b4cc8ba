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
	"fmt"
	"net/http"
)

// FetchParentIdentitySet calls the control plane's userinfo endpoint
// with the credential the manager process itself runs under, and
// returns the identity set linked to it. An unprivileged manager
// (spec §4.5 step 6, §3 invariants) trusts a start command only if one
// of the "sub" claims in the command's globus_identity_set intersects
// this set; this call is made once at startup and the result is held
// for the life of the process.
func FetchParentIdentitySet(ctx context.Context, userinfoURL, token string) (IdentitySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching parent identity set: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("userinfo endpoint returned %s", resp.Status)
	}

	var payload struct {
		IdentitySet IdentitySet `json:"identity_set"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding userinfo response: %w", err)
	}
	return payload.IdentitySet, nil
}
