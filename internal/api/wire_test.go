package api

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

func TestUserDataWireFormat(t *testing.T) {
	t.Parallel()

	var user []byte
	user = protowire.AppendTag(user, 1, protowire.VarintType)
	user = protowire.AppendVarint(user, 3)
	user = protowire.AppendTag(user, 2, protowire.BytesType)
	user = protowire.AppendString(user, "alice")
	user = protowire.AppendTag(user, 3, protowire.BytesType)
	user = protowire.AppendString(user, "secret")
	// A zero limit is still sent.
	user = protowire.AppendTag(user, 4, protowire.VarintType)
	user = protowire.AppendVarint(user, 0)
	user = protowire.AppendTag(user, 5, protowire.BytesType)
	user = protowire.AppendString(user, "fp-1")
	user = protowire.AppendTag(user, 6, protowire.VarintType)
	user = protowire.AppendVarint(user, protowire.EncodeBool(true))

	var inbound []byte
	inbound = protowire.AppendTag(inbound, 1, protowire.BytesType)
	inbound = protowire.AppendString(inbound, "vless-tcp")

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.BytesType)
	want = protowire.AppendBytes(want, user)
	want = protowire.AppendTag(want, 2, protowire.BytesType)
	want = protowire.AppendBytes(want, inbound)

	limit := 0
	in := &UserData{
		User: User{
			ID:                  3,
			Username:            "alice",
			Key:                 "secret",
			DeviceLimit:         &limit,
			AllowedFingerprints: []string{"fp-1"},
			EnforceDeviceLimit:  true,
		},
		Inbounds: []Inbound{{Tag: "vless-tcp"}},
	}
	got, err := proto.MarshalOptions{Deterministic: true}.Marshal(toWire(in))
	require.NoError(t, err)
	require.Equal(t, want, got)

	msg := newWire(new(UserData))
	require.NoError(t, proto.Unmarshal(want, msg))
	var out UserData
	fromWire(msg, &out)
	require.Equal(t, *in, out)
}

func TestUserStatsDecodesUpstreamFields(t *testing.T) {
	t.Parallel()

	// uid and usage only, as sent by nodes without device tracking.
	var stat []byte
	stat = protowire.AppendTag(stat, 1, protowire.VarintType)
	stat = protowire.AppendVarint(stat, 42)
	stat = protowire.AppendTag(stat, 2, protowire.VarintType)
	stat = protowire.AppendVarint(stat, 1<<33)
	// Unknown fields are skipped.
	stat = protowire.AppendTag(stat, 99, protowire.BytesType)
	stat = protowire.AppendString(stat, "ignored")

	var raw []byte
	raw = protowire.AppendTag(raw, 1, protowire.BytesType)
	raw = protowire.AppendBytes(raw, stat)

	msg := newWire(new(UsersStats))
	require.NoError(t, proto.Unmarshal(raw, msg))
	var out UsersStats
	fromWire(msg, &out)
	require.Equal(t, []UserStats{{UID: 42, Usage: 1 << 33}}, out.UsersStats)
}

func TestRestartRequestWithoutConfig(t *testing.T) {
	t.Parallel()

	b, err := proto.Marshal(toWire(&RestartBackendRequest{BackendName: "xray"}))
	require.NoError(t, err)

	msg := newWire(new(RestartBackendRequest))
	require.NoError(t, proto.Unmarshal(b, msg))
	var out RestartBackendRequest
	fromWire(msg, &out)
	require.Equal(t, RestartBackendRequest{BackendName: "xray"}, out)

	b, err = proto.Marshal(toWire(&RestartBackendRequest{
		BackendName: "xray",
		Config:      &BackendConfig{Configuration: "{}", ConfigFormat: ConfigFormatJSON},
	}))
	require.NoError(t, err)
	msg = newWire(new(RestartBackendRequest))
	require.NoError(t, proto.Unmarshal(b, msg))
	fromWire(msg, &out)
	require.Equal(t, ConfigFormatJSON, out.Config.ConfigFormat)
	require.Equal(t, "{}", out.Config.Configuration)
}
