/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package protocol

import (
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/fleetback/fleetback/internal/errdefs"
)

// magicPacketSize is 6 bytes of 0xFF followed by 16 repetitions of the
// 6-byte MAC.
const magicPacketSize = 102

// wolBroadcastAddr is where magic packets are sent.
var wolBroadcastAddr = "255.255.255.255:9"

// ParseMAC accepts colon, dash and dot separated notations as well as
// bare 12-digit hex.
func ParseMAC(s string) (net.HardwareAddr, error) {
	cleaned := strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(s))
	if len(cleaned) != 12 {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrInvalidMAC, s)
	}
	mac, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrInvalidMAC, s)
	}
	return net.HardwareAddr(mac), nil
}

// BuildMagicPacket assembles the 102-byte Wake-on-LAN payload.
func BuildMagicPacket(mac net.HardwareAddr) []byte {
	packet := make([]byte, 0, magicPacketSize)
	for i := 0; i < 6; i++ {
		packet = append(packet, 0xFF)
	}
	for i := 0; i < 16; i++ {
		packet = append(packet, mac...)
	}
	return packet
}

// SendMagicPacket broadcasts a magic packet for the given MAC on UDP
// port 9.
func SendMagicPacket(macStr string) error {
	mac, err := ParseMAC(macStr)
	if err != nil {
		return err
	}

	conn, err := net.Dial("udp", wolBroadcastAddr)
	if err != nil {
		return fmt.Errorf("failed to open WOL socket: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Write(BuildMagicPacket(mac)); err != nil {
		return fmt.Errorf("failed to send magic packet: %w", err)
	}
	return nil
}
