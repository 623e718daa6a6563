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

//go:build linux

package resolver

import (
	"bufio"
	"net"
	"os"
	"strings"
)

const fallbackDNSServer = "8.8.8.8:53"

// systemDefaultServer reads the first nameserver line out of
// /etc/resolv.conf, falling back to a well-known public resolver if
// the file is missing or empty. This is only ever consulted when the
// configuration doesn't set an explicit DNS server override.
func systemDefaultServer() string {
	f, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return fallbackDNSServer
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "nameserver" {
			return net.JoinHostPort(fields[1], "53")
		}
	}
	return fallbackDNSServer
}
