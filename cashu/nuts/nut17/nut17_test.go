package nut17

import "testing"

func TestParseMessage(t *testing.T) {
	notification, _, _, err := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"subscribe","params":{"subId":"abc","payload":{"quote":"q","state":"PAID"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notification == nil || notification.Params.SubId != "abc" {
		t.Fatalf("expected notification for sub 'abc' but got '%+v'", notification)
	}

	_, response, _, err := ParseMessage([]byte(`{"jsonrpc":"2.0","result":{"status":"OK","subId":"abc"},"id":3}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response == nil || response.Id != 3 || response.Result.Status != OK {
		t.Fatalf("expected OK response with id 3 but got '%+v'", response)
	}

	_, _, wsErr, err := ParseMessage([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"bad"},"id":4}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsErr == nil || wsErr.Error() != "bad" {
		t.Fatalf("expected error 'bad' but got '%+v'", wsErr)
	}

	if _, _, _, err := ParseMessage([]byte(`{"jsonrpc":"2.0"}`)); err == nil {
		t.Fatal("expected error for unknown message")
	}
}
