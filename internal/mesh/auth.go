package mesh

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"ramen/internal/raft"
)

// ErrUnauthenticated is returned for payloads whose cluster or signature does not match
var ErrUnauthenticated = errors.New("payload not authenticated")

// signer signs payloads with the cluster secret. The MAC covers the cluster name, the sender and the data, so a
// payload cannot be replayed as coming from another node or another cluster.
type signer struct {
	cluster string
	secret  []byte
}

func newSigner(cluster, secret string) signer {
	return signer{cluster: cluster, secret: []byte(secret)}
}

func (s signer) sign(from raft.NodeID, data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(s.cluster))
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], uint32(from))
	mac.Write(id[:])
	mac.Write(data)
	return mac.Sum(nil)
}

func (s signer) verify(cluster string, from raft.NodeID, data, sum []byte) error {
	if cluster != s.cluster {
		return ErrUnauthenticated
	}
	if !hmac.Equal(sum, s.sign(from, data)) {
		return ErrUnauthenticated
	}
	return nil
}
