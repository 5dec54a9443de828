package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

var typeTable = []struct {
	t Type
	s string
}{
	{Subscribe, "subscribe"},
	{AddSwarm, "add-swarm"},
	{RequestServer, "request-server"},
	{Heartbeat, "heartbeat"},
	{Destroy, "destroy"},
	{ResourceSubscribed, "resource-subscribed"},
	{ResourceAdded, "resource-added"},
	{IdentifierResolved, "identifier-resolved"},
	{MetadataResolved, "metadata-resolved"},
	{DownloadProgress, "download-progress"},
	{UploadProgress, "upload-progress"},
	{Completed, "completed"},
	{Update, "update"},
	{ServerReady, "server-ready"},
	{Warning, "warning"},
	{Error, "error"},
}

func TestTypeRoundTrip(t *testing.T) {
	for _, tt := range typeTable {
		t.Run(tt.s, func(t *testing.T) {
			require.Equal(t, tt.s, tt.t.String())

			parsed, err := NewType(tt.s)
			require.NoError(t, err)
			require.Equal(t, tt.t, parsed)
		})
	}
}

func TestNewTypeUnknown(t *testing.T) {
	_, err := NewType("gibberish")
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = NewType("")
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestMessageUnmarshal(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{
		"clientKey": "c1",
		"type": "add-swarm",
		"swarmKey": "k1",
		"resourceId": "magnet:?xt=urn:btih:aa",
		"options": {"server": true}
	}`), &m)
	require.NoError(t, err)
	require.Equal(t, "c1", m.ClientKey)
	require.Equal(t, AddSwarm, m.Type)
	require.Equal(t, "k1", m.SwarmKey)
	require.True(t, m.Options.Server)
	require.NoError(t, m.Validate())
}

func TestMessageUnmarshalUnknownType(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"clientKey": "c1", "type": "frobnicate"}`), &m)
	require.NoError(t, err, "unknown types must not fail the decode")
	require.Equal(t, None, m.Type)
	require.Equal(t, "frobnicate", m.RawType)
	require.ErrorIs(t, m.Validate(), ErrUnknownType)
}

var validateTable = []struct {
	name string
	m    Message
	ok   bool
}{
	{"heartbeat", Message{ClientKey: "c", Type: Heartbeat}, true},
	{"destroy", Message{ClientKey: "c", Type: Destroy}, true},
	{"destroy delayed", Message{ClientKey: "c", Type: Destroy, Options: &Options{DelayMS: 500}}, true},
	{"subscribe", Message{ClientKey: "c", Type: Subscribe, SwarmKey: "k"}, true},
	{"subscribe without resource id", Message{ClientKey: "c", Type: Subscribe, SwarmKey: "k"}, true},
	{"subscribe missing swarm key", Message{ClientKey: "c", Type: Subscribe}, false},
	{"add-swarm", Message{ClientKey: "c", Type: AddSwarm, SwarmKey: "k", ResourceID: "r"}, true},
	{"add-swarm missing resource id", Message{ClientKey: "c", Type: AddSwarm, SwarmKey: "k"}, false},
	{"request-server", Message{ClientKey: "c", Type: RequestServer, SwarmKey: "k"}, true},
	{"request-server missing swarm key", Message{ClientKey: "c", Type: RequestServer}, false},
	{"missing client key", Message{Type: Heartbeat}, false},
	{"outbound type inbound", Message{ClientKey: "c", Type: Update}, false},
}

func TestMessageValidate(t *testing.T) {
	for _, tt := range validateTable {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestOptionsDelay(t *testing.T) {
	var o *Options
	require.Zero(t, o.Delay())
	require.Equal(t, "500ms", (&Options{DelayMS: 500}).Delay().String())
}

func TestOutboundNullResource(t *testing.T) {
	b, err := json.Marshal(NewOutbound(ResourceSubscribed, "c", "k", nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"clientKey":"c","swarmKey":"k","type":"resource-subscribed","resource":null}`, string(b))
}
