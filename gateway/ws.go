package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/workersql/workersql/auth"
	"github.com/workersql/workersql/protocol"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth gates the socket; origin checks add nothing here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS serves the transactional sticky session: begin pins the
// session's transaction to one shard, query runs inside it, and commit,
// rollback or disconnect release it.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	var principal = auth.FromContext(r.Context())
	var conn, err = wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its refusal.
		return
	}
	defer conn.Close()
	wsConnections.Inc()
	defer wsConnections.Dec()

	// Transactions opened on this socket, rolled back on disconnect.
	var owned = make(map[string]bool)
	defer func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for txnID := range owned {
			if _, err := g.finishTxn(ctx, principal.TenantID, txnID, protocol.TxnRollback); err != nil {
				log.WithFields(log.Fields{"txn": txnID, "err": err}).
					Warn("rolling back abandoned transaction failed")
			}
		}
	}()

	for {
		var msg protocol.WSMessage
		if err = conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithFields(log.Fields{"client": r.RemoteAddr, "err": err}).
					Warn("websocket closed abnormally")
			}
			return
		}

		var reply = g.wsDispatch(r.Context(), principal.TenantID, msg, owned)
		if err = conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

// wsDispatch serves one frame, answering a result or error envelope
// carrying the request's ID.
func (g *Gateway) wsDispatch(parent context.Context, tenantID string, msg protocol.WSMessage, owned map[string]bool) protocol.WSMessage {
	var ctx, cancel = parent, context.CancelFunc(func() {})
	if g.cfg.RequestTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, g.cfg.RequestTimeout)
	}
	defer cancel()

	switch msg.Type {
	case protocol.WSBegin:
		var resp, err = g.beginTxn(ctx, tenantID)
		if err != nil {
			return wsError(msg.ID, err)
		}
		owned[resp.TransactionID] = true
		return protocol.WSMessage{
			Type:          protocol.WSResult,
			ID:            msg.ID,
			TransactionID: resp.TransactionID,
		}

	case protocol.WSQuery:
		var resp, err = g.query(ctx, tenantID, protocol.QueryRequest{
			SQL:           msg.SQL,
			Params:        msg.Params,
			TransactionID: msg.TransactionID,
		}, anyStatement)
		if err != nil {
			return wsError(msg.ID, err)
		}
		var data, encErr = json.Marshal(resp)
		if encErr != nil {
			return wsError(msg.ID, encErr)
		}
		return protocol.WSMessage{
			Type:          protocol.WSResult,
			ID:            msg.ID,
			TransactionID: msg.TransactionID,
			Data:          data,
		}

	case protocol.WSCommit, protocol.WSRollback:
		var op = protocol.TxnCommit
		if msg.Type == protocol.WSRollback {
			op = protocol.TxnRollback
		}
		var _, err = g.finishTxn(ctx, tenantID, msg.TransactionID, op)
		if err != nil {
			return wsError(msg.ID, err)
		}
		delete(owned, msg.TransactionID)
		return protocol.WSMessage{
			Type:          protocol.WSResult,
			ID:            msg.ID,
			TransactionID: msg.TransactionID,
		}

	default:
		return wsError(msg.ID, protocol.NewError(protocol.CodeInvalidQuery,
			"unknown frame type %q", msg.Type))
	}
}

func wsError(id string, err error) protocol.WSMessage {
	return protocol.WSMessage{
		Type:  protocol.WSError,
		ID:    id,
		Error: protocol.WrapError(protocol.CodeOf(err), err),
	}
}
