/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"net/http"

	ws "nhooyr.io/websocket"
)

// handleObserverSocket registers a server-to-client event feed. The client
// sends nothing; the read loop only detects disconnect.
func (a *API) handleObserverSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.Accept(w, r, a.acceptOptions())
	if err != nil {
		a.logger.Debug().Err(err).Msg("observer socket accept failed")
		return
	}
	socket := &wsSocket{conn: conn}

	a.hub.Add(socket)
	defer func() {
		a.hub.Remove(socket)
		_ = socket.Close()
	}()

	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
