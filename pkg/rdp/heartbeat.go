/*
RDP Peer Go - Server-side RDP protocol core
Copyright (C) 2025 - Pepijn van der Stap, pepijn@neosecurity.nl

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as
published by the Free Software Foundation, either version 3 of the
License, or (at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package rdp

import (
	"sync"
	"time"
)

// Server heartbeat (MS-RDPBCGR 2.2.16.1). Clients that set
// RNS_UD_CS_SUPPORT_HEARTBEAT_PDU use missed heartbeats to trigger
// auto-reconnect, so the cadence is advertised inside the PDU itself.

const (
	heartbeatPeriodSec      = 30
	heartbeatWarningCount   = 2
	heartbeatReconnectCount = 3
)

// heartbeatSender emits one heartbeat PDU per period on the message
// channel for as long as the connection stays active.
type heartbeatSender struct {
	stop chan struct{}
	once sync.Once
}

func (c *Conn) startHeartbeat() {
	if c.client == nil || c.client.Core == nil ||
		c.client.Core.EarlyCapabilityFlags&RNS_UD_CS_SUPPORT_HEARTBEAT_PDU == 0 ||
		c.messageChannelID == 0 {
		return
	}

	hb := &heartbeatSender{stop: make(chan struct{})}
	c.heartbeat = hb

	go func() {
		ticker := time.NewTicker(heartbeatPeriodSec * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.sendOnChannel(c.messageChannelID, SEC_HEARTBEAT, buildHeartbeatPDU()); err != nil {
					c.log.Debug("heartbeat write failed", "error", err)
					return
				}
			case <-hb.stop:
				return
			}
		}
	}()
}

func (c *Conn) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.once.Do(func() { close(c.heartbeat.stop) })
	}
}

// buildHeartbeatPDU encodes a TS_HEARTBEAT_PDU: reserved byte, period
// in seconds, then the missed-heartbeat thresholds for the warning and
// the reconnect.
func buildHeartbeatPDU() []byte {
	return []byte{0x00, heartbeatPeriodSec, heartbeatWarningCount, heartbeatReconnectCount}
}
