package lib

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"
)

// gopacket layer types for the three segment formats, used to render
// datagrams in verbose logs.
var (
	LayerTypeInit = gopacket.RegisterLayerType(2701, gopacket.LayerTypeMetadata{
		Name:    "InitSegment",
		Decoder: gopacket.DecodeFunc(decodeInitLayer),
	})
	LayerTypeStopAndWait = gopacket.RegisterLayerType(2702, gopacket.LayerTypeMetadata{
		Name:    "StopAndWaitSegment",
		Decoder: gopacket.DecodeFunc(decodeStopAndWaitLayer),
	})
	LayerTypeSelectiveRepeat = gopacket.RegisterLayerType(2703, gopacket.LayerTypeMetadata{
		Name:    "SelectiveRepeatSegment",
		Decoder: gopacket.DecodeFunc(decodeSelectiveRepeatLayer),
	})
)

type initLayer struct {
	layers.BaseLayer
	Ack       bool
	Operation Operation
	Protocol  Protocol
	Name      string
}

func (l *initLayer) LayerType() gopacket.LayerType { return LayerTypeInit }

type stopAndWaitLayer struct {
	layers.BaseLayer
	Seq        uint8
	Ack        uint8
	EOF        bool
	PayloadLen int
}

func (l *stopAndWaitLayer) LayerType() gopacket.LayerType { return LayerTypeStopAndWait }

type selectiveRepeatLayer struct {
	layers.BaseLayer
	EOF        bool
	Seq        uint16
	Ack        uint16
	Window     uint16
	PayloadLen int
}

func (l *selectiveRepeatLayer) LayerType() gopacket.LayerType { return LayerTypeSelectiveRepeat }

func decodeInitLayer(data []byte, p gopacket.PacketBuilder) error {
	seg, err := UnmarshalInit(data)
	if err != nil {
		return err
	}
	p.AddLayer(&initLayer{
		BaseLayer: layers.BaseLayer{Contents: data},
		Ack:       seg.Ack,
		Operation: seg.Operation,
		Protocol:  seg.Protocol,
		Name:      seg.Name,
	})
	return nil
}

func decodeStopAndWaitLayer(data []byte, p gopacket.PacketBuilder) error {
	seg, err := UnmarshalStopAndWait(data)
	if err != nil {
		return err
	}
	p.AddLayer(&stopAndWaitLayer{
		BaseLayer:  layers.BaseLayer{Contents: data[:SwHeaderLength], Payload: seg.Payload},
		Seq:        seg.Seq,
		Ack:        seg.Ack,
		EOF:        seg.EOF,
		PayloadLen: len(seg.Payload),
	})
	if len(seg.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

func decodeSelectiveRepeatLayer(data []byte, p gopacket.PacketBuilder) error {
	seg, err := UnmarshalSelectiveRepeat(data)
	if err != nil {
		return err
	}
	p.AddLayer(&selectiveRepeatLayer{
		BaseLayer:  layers.BaseLayer{Contents: data[:SrHeaderLength], Payload: seg.Payload},
		EOF:        seg.EOF,
		Seq:        seg.Seq,
		Ack:        seg.Ack,
		Window:     seg.Window,
		PayloadLen: len(seg.Payload),
	})
	if len(seg.Payload) == 0 {
		return nil
	}
	return p.NextDecoder(gopacket.LayerTypePayload)
}

// segmentLayerType returns the layer type of data segments for proto.
func segmentLayerType(proto Protocol) gopacket.LayerType {
	if proto == SelectiveRepeatProtocol {
		return LayerTypeSelectiveRepeat
	}
	return LayerTypeStopAndWait
}

// DescribeDatagram renders a datagram decoded as the given first layer.
func DescribeDatagram(data []byte, first gopacket.LayerType) string {
	switch {
	case IsFin(data):
		return "FIN"
	case IsErrorReply(data):
		return fmt.Sprintf("%q", data)
	}
	packet := gopacket.NewPacket(data, first, gopacket.NoCopy)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return fmt.Sprintf("undecodable %d bytes as %s: %v", len(data), first, errLayer.Error())
	}
	return gopacket.LayerString(packet.Layers()[0])
}

// traceDatagram logs a datagram at debug level.
func traceDatagram(log *logrus.Entry, what string, data []byte, first gopacket.LayerType) {
	if !Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log.Debugf("%s %s", what, DescribeDatagram(data, first))
}
