package config

import (
	"github.com/Lautarop03/TP-File-Transfer/lib"
)

// Apply configures the process wide logging and segment pool.
func (c *Config) Apply() {
	lib.ConfigureLogging(c.Verbose, c.Quiet)
	if c.PayloadPoolSize > 0 {
		lib.InitPool(c.PayloadPoolSize, lib.DatagramSize, false)
	}
	if c.Verbose {
		lib.Logger.Debugf("=== Config ===\n%s", c.Dump())
	}
}

// OpenTransport binds a UDP socket on host:port, applies the TOS setting and
// wraps it in a LossyTransport when packet_loss_rate is set.
func (c *Config) OpenTransport(host string, port int) (lib.Transport, error) {
	udp, err := lib.ListenUDP(host, port)
	if err != nil {
		return nil, err
	}
	if err := udp.SetTOS(c.TOS); err != nil {
		lib.Logger.Warnln("Error setting TOS:", err)
	}
	if c.PacketLossRate > 0 {
		lib.Logger.Warnf("Simulating %.1f%% outgoing packet loss", c.PacketLossRate*100)
		return lib.NewLossyTransport(udp, c.PacketLossRate, c.PacketLossSeed), nil
	}
	return udp, nil
}
