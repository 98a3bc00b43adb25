package upstream

import "context"

// NoopIdentityAuthority skips the revocation check entirely. Used when no
// AUTH_SERVICE_URL is configured (single-node dev deployments).
type NoopIdentityAuthority struct{}

func (NoopIdentityAuthority) CheckToken(context.Context, string) (Verdict, error) {
	return VerdictValid, nil
}

// NoopNotificationGateway drops every notice.
type NoopNotificationGateway struct{}

func (NoopNotificationGateway) SendIncomingCall(context.Context, CallNotice) error { return nil }
func (NoopNotificationGateway) SendMissedCall(context.Context, CallNotice) error   { return nil }
func (NoopNotificationGateway) CancelIncomingCall(context.Context, string, string) error {
	return nil
}

// NoopHistoryStore records nothing and reports empty history.
type NoopHistoryStore struct{}

func (NoopHistoryStore) RecordCall(context.Context, CallRecord) error { return nil }
func (NoopHistoryStore) History(context.Context, string, int) ([]CallRecord, error) {
	return nil, nil
}
