package server

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketClients = []byte("clients")
	bucketPending = []byte("pending")
	bucketCodes   = []byte("auth_codes")
	bucketAccess  = []byte("access_tokens")
	bucketRefresh = []byte("refresh_tokens")
)

// BoltStore persists OAuth state in a bbolt file for deployments that opt
// into durability. Records are JSON-encoded; the consume/rotate guarantees
// come from bbolt's serialized write transactions.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (or creates) the database file and its buckets.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open token store %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketClients, bucketPending, bucketCodes, bucketAccess, bucketRefresh} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init token store buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func putJSON(tx *bbolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func getJSON(tx *bbolt.Tx, bucket []byte, key string, v any) bool {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

// SaveClient stores a registered client.
func (s *BoltStore) SaveClient(client Client) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketClients, client.ID, client)
	})
}

// GetClient retrieves a client by ID.
func (s *BoltStore) GetClient(id string) (Client, bool) {
	var c Client
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = getJSON(tx, bucketClients, id, &c)
		return nil
	})
	return c, found
}

// SavePending stores an authorization awaiting the login form.
func (s *BoltStore) SavePending(p PendingAuthorization) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketPending, p.ID, p)
	})
}

// ConsumePending retrieves and removes a pending authorization.
func (s *BoltStore) ConsumePending(id string) (PendingAuthorization, bool) {
	var p PendingAuthorization
	found := false
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		if !getJSON(tx, bucketPending, id, &p) {
			return nil
		}
		if err := tx.Bucket(bucketPending).Delete([]byte(id)); err != nil {
			return err
		}
		found = !time.Now().After(p.ExpiresAt)
		return nil
	})
	if !found {
		return PendingAuthorization{}, false
	}
	return p, true
}

// SaveAuthCode persists an authorization code.
func (s *BoltStore) SaveAuthCode(code AuthorizationCode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketCodes, code.Code, code)
	})
}

// ConsumeAuthCode marks a code used inside one write transaction.
func (s *BoltStore) ConsumeAuthCode(code string) (AuthorizationCode, error) {
	var auth AuthorizationCode
	var outErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if !getJSON(tx, bucketCodes, code, &auth) {
			outErr = ErrCodeNotFound
			return nil
		}
		if time.Now().After(auth.ExpiresAt) {
			outErr = ErrCodeNotFound
			return tx.Bucket(bucketCodes).Delete([]byte(code))
		}
		if auth.Used {
			outErr = ErrCodeUsed
			return nil
		}
		auth.Used = true
		return putJSON(tx, bucketCodes, code, auth)
	})
	if err != nil {
		return AuthorizationCode{}, err
	}
	if outErr != nil && outErr != ErrCodeUsed {
		return AuthorizationCode{}, outErr
	}
	return auth, outErr
}

// SaveAccessToken stores an access token record.
func (s *BoltStore) SaveAccessToken(t AccessToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketAccess, t.Value, t)
	})
}

// GetAccessToken fetches a live access token.
func (s *BoltStore) GetAccessToken(value string) (AccessToken, bool) {
	var t AccessToken
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = getJSON(tx, bucketAccess, value, &t)
		return nil
	})
	if !found || time.Now().After(t.ExpiresAt) {
		return AccessToken{}, false
	}
	return t, true
}

// DeleteAccessToken removes an access token.
func (s *BoltStore) DeleteAccessToken(value string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAccess).Delete([]byte(value))
	})
}

// SaveRefreshToken stores or replaces a refresh token record.
func (s *BoltStore) SaveRefreshToken(t RefreshToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx, bucketRefresh, t.Value, t)
	})
}

// GetRefreshToken fetches a refresh token record.
func (s *BoltStore) GetRefreshToken(value string) (RefreshToken, bool) {
	var t RefreshToken
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		found = getJSON(tx, bucketRefresh, value, &t)
		return nil
	})
	return t, found
}

// RotateRefreshToken rotates inside one write transaction. The ownership
// check happens here so a mismatch never leaves a successor behind.
func (s *BoltStore) RotateRefreshToken(old, clientID string, successor RefreshToken) (RefreshToken, error) {
	var prev RefreshToken
	var outErr error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if !getJSON(tx, bucketRefresh, old, &prev) {
			outErr = ErrTokenNotFound
			return nil
		}
		if prev.Revoked {
			outErr = ErrTokenReused
			return nil
		}
		if time.Now().After(prev.ExpiresAt) {
			outErr = ErrTokenNotFound
			return tx.Bucket(bucketRefresh).Delete([]byte(old))
		}
		if prev.ClientID != clientID {
			outErr = ErrInvalidClient
			return nil
		}
		prev.Revoked = true
		if err := putJSON(tx, bucketRefresh, old, prev); err != nil {
			return err
		}
		successor.Identity = prev.Identity
		successor.Scope = prev.Scope
		successor.FamilyID = prev.FamilyID
		return putJSON(tx, bucketRefresh, successor.Value, successor)
	})
	if err != nil {
		return RefreshToken{}, err
	}
	if outErr != nil && outErr != ErrTokenReused && outErr != ErrInvalidClient {
		return RefreshToken{}, outErr
	}
	return prev, outErr
}

// RevokeFamily invalidates every token in the family.
func (s *BoltStore) RevokeFamily(familyID string) int {
	count := 0
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		access := tx.Bucket(bucketAccess)
		var drop [][]byte
		err := access.ForEach(func(k, v []byte) error {
			var t AccessToken
			if json.Unmarshal(v, &t) == nil && t.FamilyID == familyID {
				drop = append(drop, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range drop {
			if err := access.Delete(k); err != nil {
				return err
			}
			count++
		}

		refresh := tx.Bucket(bucketRefresh)
		var revoke []RefreshToken
		err = refresh.ForEach(func(k, v []byte) error {
			var t RefreshToken
			if json.Unmarshal(v, &t) == nil && t.FamilyID == familyID && !t.Revoked {
				revoke = append(revoke, t)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, t := range revoke {
			t.Revoked = true
			if err := putJSON(tx, bucketRefresh, t.Value, t); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count
}

// PurgeExpired removes expired records from all buckets.
func (s *BoltStore) PurgeExpired() int {
	now := time.Now()
	count := 0
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		type expirable struct {
			bucket []byte
			expiry func(v []byte) (time.Time, bool)
		}
		tables := []expirable{
			{bucketPending, func(v []byte) (time.Time, bool) {
				var p PendingAuthorization
				if json.Unmarshal(v, &p) != nil {
					return time.Time{}, false
				}
				return p.ExpiresAt, true
			}},
			{bucketCodes, func(v []byte) (time.Time, bool) {
				var c AuthorizationCode
				if json.Unmarshal(v, &c) != nil {
					return time.Time{}, false
				}
				return c.ExpiresAt, true
			}},
			{bucketAccess, func(v []byte) (time.Time, bool) {
				var t AccessToken
				if json.Unmarshal(v, &t) != nil {
					return time.Time{}, false
				}
				return t.ExpiresAt, true
			}},
			{bucketRefresh, func(v []byte) (time.Time, bool) {
				var t RefreshToken
				if json.Unmarshal(v, &t) != nil {
					return time.Time{}, false
				}
				return t.ExpiresAt, true
			}},
		}
		for _, table := range tables {
			b := tx.Bucket(table.bucket)
			var drop [][]byte
			err := b.ForEach(func(k, v []byte) error {
				if exp, ok := table.expiry(v); ok && now.After(exp) {
					drop = append(drop, append([]byte(nil), k...))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, k := range drop {
				if err := b.Delete(k); err != nil {
					return err
				}
				count++
			}
		}
		return nil
	})
	return count
}

// Close closes the database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
