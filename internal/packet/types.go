// Package packet defines the japenet wire protocol: packet type
// enumerations, the tagged value codec and TCP/UDP framing.
package packet

import "strconv"

// Band groups packet types by purpose. Band boundaries are sentinel values
// in each enumeration; sentinels are never sent.
type Band uint8

const (
	BandInvalid Band = iota
	BandConnect
	BandSystem
	BandData
)

func (b Band) String() string {
	switch b {
	case BandConnect:
		return "connect"
	case BandSystem:
		return "system"
	case BandData:
		return "data"
	default:
		return "invalid"
	}
}

// Kind is satisfied by the two packet type enumerations.
type Kind interface {
	~int32
	Band() Band
	String() string
}

// ToSrv is a packet sent from a client to the server.
//
// The numeric values are part of the wire protocol. Append new types at the
// end of a band's range only by moving the following sentinel, never by
// renumbering existing types.
type ToSrv int32

const (
	ToSrvConnectPackets ToSrv = iota + 1
	ToSrvRegistered
	ToSrvVerifiedTCP
	ToSrvVerifiedUDP
	ToSrvConnected
	ToSrvSystemPackets
	ToSrvPing
	ToSrvSceneChanged
	ToSrvDataPackets
	ToSrvField
	ToSrvCall
	ToSrvStream
	ToSrvSync
	ToSrvRequest
	ToSrvListenStart
	ToSrvListenStop
	ToSrvInvoke
	toSrvMax
)

var toSrvNames = [...]string{
	ToSrvConnectPackets: "_CONNECT_PACKETS_",
	ToSrvRegistered:     "Registered",
	ToSrvVerifiedTCP:    "VerifiedTcp",
	ToSrvVerifiedUDP:    "VerifiedUdp",
	ToSrvConnected:      "Connected",
	ToSrvSystemPackets:  "_SYSTEM_PACKETS_",
	ToSrvPing:           "Ping",
	ToSrvSceneChanged:   "SceneChanged",
	ToSrvDataPackets:    "_DATA_PACKETS_",
	ToSrvField:          "Field",
	ToSrvCall:           "Call",
	ToSrvStream:         "Stream",
	ToSrvSync:           "Sync",
	ToSrvRequest:        "Request",
	ToSrvListenStart:    "ListenStart",
	ToSrvListenStop:     "ListenStop",
	ToSrvInvoke:         "Invoke",
}

func (t ToSrv) String() string {
	if t > 0 && t < toSrvMax {
		return toSrvNames[t]
	}
	return "ToSrv(" + strconv.Itoa(int(t)) + ")"
}

// Band returns the band of t, BandInvalid for sentinels and unknown values.
func (t ToSrv) Band() Band {
	switch {
	case t > ToSrvConnectPackets && t < ToSrvSystemPackets:
		return BandConnect
	case t > ToSrvSystemPackets && t < ToSrvDataPackets:
		return BandSystem
	case t > ToSrvDataPackets && t < toSrvMax:
		return BandData
	default:
		return BandInvalid
	}
}

// ToClt is a packet sent from the server to a client.
type ToClt int32

const (
	ToCltConnectPackets ToClt = iota + 1
	ToCltRegister
	ToCltVerifyTCP
	ToCltVerifyUDP
	ToCltConnect
	ToCltSystemPackets
	ToCltPing
	ToCltSceneChange
	ToCltPlayerConnected
	ToCltPlayerDisconnected
	ToCltDataPackets
	ToCltField
	ToCltCall
	ToCltStream
	ToCltSync
	ToCltResponse
	ToCltSpawn
	ToCltDespawn
	ToCltParent
	ToCltSetActive
	toCltMax
)

var toCltNames = [...]string{
	ToCltConnectPackets:     "_CONNECT_PACKETS_",
	ToCltRegister:           "Register",
	ToCltVerifyTCP:          "VerifyTcp",
	ToCltVerifyUDP:          "VerifyUdp",
	ToCltConnect:            "Connect",
	ToCltSystemPackets:      "_SYSTEM_PACKETS_",
	ToCltPing:               "Ping",
	ToCltSceneChange:        "SceneChange",
	ToCltPlayerConnected:    "PlayerConnected",
	ToCltPlayerDisconnected: "PlayerDisconnected",
	ToCltDataPackets:        "_DATA_PACKETS_",
	ToCltField:              "Field",
	ToCltCall:               "Call",
	ToCltStream:             "Stream",
	ToCltSync:               "Sync",
	ToCltResponse:           "Response",
	ToCltSpawn:              "Spawn",
	ToCltDespawn:            "Despawn",
	ToCltParent:             "Parent",
	ToCltSetActive:          "SetActive",
}

func (t ToClt) String() string {
	if t > 0 && t < toCltMax {
		return toCltNames[t]
	}
	return "ToClt(" + strconv.Itoa(int(t)) + ")"
}

// Band returns the band of t, BandInvalid for sentinels and unknown values.
func (t ToClt) Band() Band {
	switch {
	case t > ToCltConnectPackets && t < ToCltSystemPackets:
		return BandConnect
	case t > ToCltSystemPackets && t < ToCltDataPackets:
		return BandSystem
	case t > ToCltDataPackets && t < toCltMax:
		return BandData
	default:
		return BandInvalid
	}
}
