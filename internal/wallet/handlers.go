package wallet

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/miniapp-io/miniapp-host/internal/jsonrpc"
	"github.com/miniapp-io/miniapp-host/internal/pending"
	"go.uber.org/zap"
)

// signFields names the payload field each sign action requires.
var signFields = map[string]string{
	"signTransaction":        "transaction",
	"signAndSendTransaction": "transaction",
	"signAllTransactions":    "transactions",
	"signMessage":            "message",
}

// optional sign payload fields passed through when present.
var signOptional = []string{"display", "sendOptions"}

func (i *RPCInterface) handleConnect(ctx context.Context, req jsonrpc.Request) (any, error) {
	if err := requireID(req); err != nil {
		return nil, err
	}
	params, err := objectParams(req)
	if err != nil {
		return nil, err
	}
	onlyIfTrusted, _ := params["onlyIfTrusted"].(bool)
	onlyLogSuccess, _ := params["onlyLogSuccess"].(bool)

	if onlyIfTrusted {
		sess := i.trustedSession(ctx)
		if sess != nil && sess.WalletPublicKey != "" {
			return map[string]any{"public_key": sess.WalletPublicKey, "session": sess.Token}, nil
		}
		if onlyLogSuccess {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeNotTrusted}
		}
	}

	kp, err := i.svc.codec.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate dapp key pair: %w", err)
	}
	i.svc.keys.Put(req.ID, kp)
	dappPublic := kp.PublicBase58()
	kp.Zero()
	i.trackKey(req.ID)
	i.register(req.ID, methodConnect)
	i.launch(req.ID, i.svc.connectURL(i.appURL(), dappPublic, req.ID))
	return nil, errPending
}

func (i *RPCInterface) handleDisconnect(ctx context.Context, req jsonrpc.Request) (any, error) {
	sess := i.trustedSession(ctx)
	if sess == nil {
		return true, nil
	}
	link, err := i.svc.actionURL("disconnect", sess, req.ID, map[string]any{"session": sess.Token})
	if err != nil {
		i.log.Warn("build disconnect link", zap.Error(err))
	} else if err := i.launcher.Launch(i.ctx, link); err != nil {
		i.log.Warn("launch wallet disconnect", zap.String("request_id", req.ID), zap.Error(err))
	}
	i.clearSession(ctx)
	i.log.Info("wallet disconnected", zap.String("wallet", sess.WalletPublicKey))
	return true, nil
}

func signHandler(action string) handlerFunc {
	field := signFields[action]
	return func(i *RPCInterface, ctx context.Context, req jsonrpc.Request) (any, error) {
		if err := requireID(req); err != nil {
			return nil, err
		}
		params, err := objectParams(req)
		if err != nil {
			return nil, err
		}
		sess := i.trustedSession(ctx)
		if sess == nil {
			return nil, errNotConnected
		}
		v, ok := params[field]
		if !ok || v == nil || v == "" {
			return nil, &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: fmt.Sprintf("Missing parameters: [%s]", field)}
		}
		payload := map[string]any{field: v, "session": sess.Token}
		for _, key := range signOptional {
			if extra, ok := params[key]; ok && extra != nil {
				payload[key] = extra
			}
		}
		link, err := i.svc.actionURL(action, sess, req.ID, payload)
		if err != nil {
			return nil, err
		}
		i.register(req.ID, action)
		i.launch(req.ID, link)
		return nil, errPending
	}
}

func (i *RPCInterface) handleGetBalance(ctx context.Context, req jsonrpc.Request) (any, error) {
	params, err := objectParams(req)
	if err != nil {
		return nil, err
	}
	pk, _ := params["publicKey"].(string)
	if pk == "" {
		sess := i.trustedSession(ctx)
		if sess == nil || sess.WalletPublicKey == "" {
			return nil, errNotConnected
		}
		pk = sess.WalletPublicKey
	}
	return i.svc.solana.Balance(ctx, pk)
}

func (i *RPCInterface) handleGetTransactionCount(ctx context.Context, _ jsonrpc.Request) (any, error) {
	return i.svc.solana.TransactionCount(ctx)
}

func (i *RPCInterface) handleAccounts(ctx context.Context, _ jsonrpc.Request) (any, error) {
	sess := i.trustedSession(ctx)
	if sess == nil || sess.Address == "" {
		return nil, errUnauthorized
	}
	return []string{sess.Address}, nil
}

func (i *RPCInterface) handleEthGetBalance(ctx context.Context, req jsonrpc.Request) (any, error) {
	args, err := req.ArrayParams()
	if err != nil {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Malformed input"}
	}
	var address, block string
	if len(args) > 0 {
		address, _ = args[0].(string)
	}
	if len(args) > 1 {
		block, _ = args[1].(string)
	}
	if address == "" {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Missing parameters: [address]"}
	}
	return i.svc.evm.Balance(ctx, address, block)
}

func (i *RPCInterface) handleIsConnected(_ context.Context, _ jsonrpc.Request) (any, error) {
	return i.currentSession() != nil, nil
}

func (i *RPCInterface) register(id, method string) {
	i.svc.pending.Register(pending.Entry{
		ID:           id,
		Method:       method,
		Kind:         pending.KindDecrypt,
		Sink:         i,
		RegisteredAt: i.svc.now(),
	})
}

// objectParams accepts an object or a one-element array holding an object,
// which is how some providers wrap options.
func objectParams(req jsonrpc.Request) (map[string]any, error) {
	params, err := req.ObjectParams()
	if err == nil {
		return params, nil
	}
	var wrapped []map[string]any
	if json.Unmarshal(req.Params, &wrapped) == nil {
		if len(wrapped) == 0 || wrapped[0] == nil {
			return map[string]any{}, nil
		}
		return wrapped[0], nil
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeParseError, Message: "Malformed input"}
}
