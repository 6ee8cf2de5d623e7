package wallet

import (
	"fmt"
	"os"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/keystore"
	"github.com/miniapp-io/miniapp-host/internal/walletcrypto"
)

var errNotExist = os.ErrNotExist

// Session is an established wallet trust for one mini-app URL.
type Session struct {
	AppURL          string
	WalletPublicKey string
	Token           string
	Address         string
	Cluster         string
	PhantomPublic   [walletcrypto.KeySize]byte
	DappPublic      [walletcrypto.KeySize]byte
	Shared          [walletcrypto.KeySize]byte
	CreatedAt       time.Time
}

// Zero wipes the key material.
func (s *Session) Zero() {
	if s == nil {
		return
	}
	for i := range s.Shared {
		s.Shared[i] = 0
	}
	s.PhantomPublic = [walletcrypto.KeySize]byte{}
	s.DappPublic = [walletcrypto.KeySize]byte{}
}

func (s *Session) record() keystore.WalletSessionRecord {
	return keystore.WalletSessionRecord{
		AppURL:           s.AppURL,
		WalletPublicKey:  s.WalletPublicKey,
		Session:          s.Token,
		Address:          s.Address,
		Cluster:          s.Cluster,
		PhantomPublicKey: append([]byte(nil), s.PhantomPublic[:]...),
		DappPublicKey:    append([]byte(nil), s.DappPublic[:]...),
		SharedSecret:     append([]byte(nil), s.Shared[:]...),
		CreatedAt:        s.CreatedAt,
	}
}

func sessionFromRecord(rec keystore.WalletSessionRecord) (*Session, error) {
	if len(rec.SharedSecret) != walletcrypto.KeySize || len(rec.DappPublicKey) != walletcrypto.KeySize {
		return nil, fmt.Errorf("wallet session for %s has no usable key material", rec.AppURL)
	}
	s := &Session{
		AppURL:          rec.AppURL,
		WalletPublicKey: rec.WalletPublicKey,
		Token:           rec.Session,
		Address:         rec.Address,
		Cluster:         rec.Cluster,
		CreatedAt:       rec.CreatedAt,
	}
	copy(s.PhantomPublic[:], rec.PhantomPublicKey)
	copy(s.DappPublic[:], rec.DappPublicKey)
	copy(s.Shared[:], rec.SharedSecret)
	return s, nil
}
