// Copyright 2026 The goshadow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import "errors"

// The error vocabulary below is carried over from the original
// implementation's relay::Error enum (original_source/src/relay/mod.rs).
// Nothing in this package branches on a specific one of these — they
// exist so log lines name the same failure categories the original
// design did, rather than an ad-hoc message
// built fresh at each call site.
var (
	ErrEnableOneTimeAuthFailed = errors.New("relay: enable one-time auth failed")
	ErrNotOneTimeAuthSession   = errors.New("relay: not a one-time-auth session")
	ErrConnectFailed           = errors.New("relay: connect to remote failed")
	ErrEncryptFailed           = errors.New("relay: encrypt failed")
	ErrDecryptFailed           = errors.New("relay: decrypt failed")
	ErrNoServerAvailable       = errors.New("relay: no server available")
	ErrInitEncryptorFailed     = errors.New("relay: init encryptor failed")
)
