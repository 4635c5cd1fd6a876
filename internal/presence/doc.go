// Package presence advertises the live relay session in Redis.
//
// The session is a hash at <key_prefix><session id> with fields nick,
// server, state, observers and started_at. The key carries a TTL that the
// Registry refreshes on an interval, so a relay that dies without cleaning
// up disappears once the TTL lapses. Stop deletes the key.
package presence
