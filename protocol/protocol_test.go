package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputCarriesBinary(t *testing.T) {
	raw := []byte{0x1b, '[', '3', '1', 'm', 0x00, 0xff, '\n'}
	data, err := json.Marshal(Output(raw))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"output"`)

	var msg ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	got, err := msg.Bytes()
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestClientMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     ClientMessage
		wantErr bool
	}{
		{"input", Input([]byte("ls\r")), false},
		{"empty input", ClientMessage{Type: ClientInput}, false},
		{"bad base64", ClientMessage{Type: ClientInput, Data: "not base64!"}, true},
		{"resize", Resize(120, 40), false},
		{"zero rows", Resize(120, 0), true},
		{"ping", ClientMessage{Type: ClientPing}, false},
		{"unknown", ClientMessage{Type: "exec"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeClientJSON(t *testing.T) {
	var msg ClientMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"resize","cols":80,"rows":24}`), &msg))
	assert.Equal(t, ClientResize, msg.Type)
	assert.Equal(t, uint(80), msg.Cols)
	assert.Equal(t, uint(24), msg.Rows)
}

func TestClosedOmitsData(t *testing.T) {
	data, err := json.Marshal(Closed("lagging"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"closed","reason":"lagging"}`, string(data))
}
