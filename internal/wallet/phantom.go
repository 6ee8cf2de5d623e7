package wallet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/miniapp-io/miniapp-host/internal/deeplink"
	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"github.com/miniapp-io/miniapp-host/internal/walletcrypto"
	"go.uber.org/zap"
)

const connectReturnMethod = "onPhantomConnected"

// connectPayloadFields are the keys a decrypted connect payload may carry into the page.
var connectPayloadFields = []string{
	"public_key", "session", "address", "signedMessage", "signature",
	"publicKey", "accounts", "network", "isConnected",
}

func (s *Service) redirectLink(id, method string) string {
	return s.cfg.RedirectBase + "/" + url.PathEscape(id) + "/" + method
}

func (s *Service) connectURL(appURL, dappPublicB58, id string) string {
	q := url.Values{}
	q.Set("app_url", appURL)
	q.Set("cluster", s.cfg.Cluster)
	q.Set("dapp_encryption_public_key", dappPublicB58)
	q.Set("redirect_link", s.redirectLink(id, connectReturnMethod))
	return s.cfg.PhantomBaseURL + "/connect?" + q.Encode()
}

// actionURL seals payload under the session secret and builds the Phantom
// universal link for action.
func (s *Service) actionURL(action string, sess *Session, id string, payload map[string]any) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", action, err)
	}
	ct, nonce, err := s.codec.Encrypt(plaintext, sess.Shared)
	if err != nil {
		return "", fmt.Errorf("seal %s payload: %w", action, err)
	}
	q := url.Values{}
	q.Set("dapp_encryption_public_key", walletcrypto.EncodeBase58(sess.DappPublic[:]))
	q.Set("nonce", nonce)
	q.Set("redirect_link", s.redirectLink(id, returnMethod(action)))
	q.Set("payload", ct)
	return s.cfg.PhantomBaseURL + "/" + action + "?" + q.Encode(), nil
}

func returnMethod(action string) string {
	if action == "" {
		return "on"
	}
	return "on" + strings.ToUpper(action[:1]) + action[1:]
}

// completeConnect finishes the handshake for a connect return: derive the
// box key from the stored dapp key pair, open the payload and establish the
// session.
func (i *RPCInterface) completeConnect(env deeplink.Envelope) jsonrpc.Response {
	s := i.svc
	id := env.ID
	log := i.log.With(zap.String("request_id", id))
	defer i.releaseKey(id)

	if missing := env.Missing(deeplink.ParamPhantomPublicKey, deeplink.ParamData, deeplink.ParamNonce); len(missing) > 0 {
		log.Warn("connect return missing parameters", zap.Strings("missing", missing))
		return jsonrpc.Fail(id, jsonrpc.CodeParseError, fmt.Sprintf("Missing parameters: %v", missing))
	}
	kp, ok := s.keys.Get(id)
	if !ok {
		log.Warn("no key pair for connect return")
		return jsonrpc.Fail(id, jsonrpc.CodeServerError, "Decryption failed")
	}
	defer kp.Zero()
	peer, err := walletcrypto.DecodeKey(env.Param(deeplink.ParamPhantomPublicKey))
	if err != nil {
		log.Warn("bad phantom encryption key", zap.Error(err))
		return jsonrpc.Fail(id, jsonrpc.CodeParseError, "Malformed input")
	}
	shared, err := s.codec.DeriveSharedSecret(peer, kp.Private)
	if err != nil {
		log.Warn("key agreement failed", zap.Error(err))
		return jsonrpc.Fail(id, jsonrpc.CodeServerError, "Decryption failed")
	}

	payload, rpcErr := i.openPayload(env, shared)
	if rpcErr != nil {
		zero(shared[:])
		return jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: rpcErr}
	}
	result := filterConnectPayload(payload)

	pub, _ := result["public_key"].(string)
	if pub == "" {
		if alt, ok := result["publicKey"].(string); ok {
			pub = alt
		}
	}
	token, _ := result["session"].(string)
	addr, _ := result["address"].(string)
	sess := &Session{
		AppURL:          i.appURL(),
		WalletPublicKey: pub,
		Token:           token,
		Address:         addr,
		Cluster:         s.cfg.Cluster,
		PhantomPublic:   peer,
		DappPublic:      kp.Public,
		Shared:          shared,
		CreatedAt:       s.now().UTC(),
	}
	zero(shared[:])
	i.setSession(sess)
	if pub != "" {
		s.persistSession(i.ctx, sess)
	}
	log.Info("wallet connected", zap.String("wallet", pub))
	return jsonrpc.Result(id, result)
}

// completeAction opens the payload of a sign/other return with the session secret.
func (i *RPCInterface) completeAction(env deeplink.Envelope) jsonrpc.Response {
	id := env.ID
	if missing := env.Missing(deeplink.ParamData, deeplink.ParamNonce); len(missing) > 0 {
		i.log.Warn("wallet return missing parameters", zap.String("request_id", id), zap.Strings("missing", missing))
		return jsonrpc.Fail(id, jsonrpc.CodeParseError, fmt.Sprintf("Missing parameters: %v", missing))
	}
	sess := i.currentSession()
	if sess == nil {
		return jsonrpc.Fail(id, jsonrpc.CodeServerError, errNotConnected.Message)
	}
	payload, rpcErr := i.openPayload(env, sess.Shared)
	if rpcErr != nil {
		return jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Error: rpcErr}
	}
	return jsonrpc.Result(id, payload)
}

func (i *RPCInterface) openPayload(env deeplink.Envelope, shared [walletcrypto.KeySize]byte) (map[string]any, *jsonrpc.Error) {
	plaintext, err := i.svc.codec.Decrypt(env.Param(deeplink.ParamData), env.Param(deeplink.ParamNonce), shared)
	if err != nil {
		i.log.Warn("open wallet payload", zap.String("request_id", env.ID), zap.Error(err))
		if errors.Is(err, walletcrypto.ErrMalformedInput) {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Malformed input"}
		}
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeServerError, Message: "Decryption failed"}
	}
	defer zero(plaintext)

	payload := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		i.log.Warn("wallet payload is not a json object", zap.String("request_id", env.ID), zap.Int("plaintext_len", len(plaintext)))
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Malformed input"}
	}
	return payload, nil
}

func filterConnectPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(connectPayloadFields))
	for _, key := range connectPayloadFields {
		v, ok := in[key]
		if !ok || v == nil {
			continue
		}
		switch key {
		case "accounts":
			list, ok := v.([]any)
			if !ok {
				continue
			}
			accounts := make([]string, 0, len(list))
			for _, a := range list {
				if s, ok := a.(string); ok {
					accounts = append(accounts, s)
				}
			}
			out[key] = accounts
		case "isConnected":
			if b, ok := v.(bool); ok {
				out[key] = b
			}
		default:
			switch t := v.(type) {
			case string:
				out[key] = t
			case json.Number:
				out[key] = t.String()
			}
		}
	}
	return out
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
