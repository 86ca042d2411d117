package cloudvars

import (
	"errors"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	testCases := []struct {
		description string
		raw         string
		want        inbound
		wantErr     error
	}{
		{
			description: "keepalive ping",
			raw:         `{"method":"ping"}`,
			want:        inbound{kind: kindPing},
		},
		{
			description: "ack with OK reply",
			raw:         `{"method":"ack","reply":"OK"}`,
			want:        inbound{kind: kindAck, reply: "OK"},
		},
		{
			description: "ack with rejection reply",
			raw:         `{"method":"ack","reply":"FULL"}`,
			want:        inbound{kind: kindAck, reply: "FULL"},
		},
		{
			description: "ack with no reply field",
			raw:         `{"method":"ack"}`,
			want:        inbound{kind: kindAck},
		},
		{
			description: "enumeration pair",
			raw:         `{"name":"msg-1","value":"1700000000"}`,
			want:        inbound{kind: kindPair, name: "msg-1", value: "1700000000"},
		},
		{
			description: "enumeration pair with no value",
			raw:         `{"name":"msg-1"}`,
			want:        inbound{kind: kindPair, name: "msg-1"},
		},
		{
			description: "unknown method",
			raw:         `{"method":"announce"}`,
			want:        inbound{kind: kindUnknown},
		},
		{
			description: "object with no recognizable keys",
			raw:         `{"foo":"bar"}`,
			want:        inbound{kind: kindUnknown},
		},
		{
			description: "empty object",
			raw:         `{}`,
			want:        inbound{kind: kindUnknown},
		},
		{
			description: "not JSON at all",
			raw:         `hello`,
			wantErr:     ErrMalformed,
		},
		{
			description: "JSON but not an object",
			raw:         `[1,2,3]`,
			wantErr:     ErrMalformed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			got, err := decodeFrame([]byte(tc.raw))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v but got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("expected %+v but got %+v", tc.want, got)
			}
		})
	}
}
