package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"IMSync/global"
	"IMSync/logger"
	midsec "IMSync/middleware/security"
	"IMSync/module/chat/model"
	"IMSync/module/chat/presence"
	chatsync "IMSync/module/chat/sync"
	"IMSync/service/store"
	"IMSync/tools/errs"
	"IMSync/tools/safe"
	"IMSync/tools/security"
)

var upgrader = websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(r *http.Request) bool { return true }}

// Server exposes the sync engine over a WebSocket: one authenticated
// connection = one user session with its own controller and tracker. The
// browser UI renders the pushed state frames and echoes user input back as
// command frames.
type Server struct {
	st      store.Store
	jwtOpts security.Options
}

func NewServer(st store.Store, jwtOpts security.Options) *Server {
	return &Server{st: st, jwtOpts: jwtOpts}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	auth := r.Group("/", midsec.Middleware(s.jwtOpts))
	auth.GET("/ws", s.HandleWS)
	return r
}

func (s *Server) Run(port int) error {
	addr := fmt.Sprintf(":%d", port)
	logger.Infof("[ws] listening on %s", addr)
	return s.Router().Run(addr)
}

func (s *Server) HandleWS(c *gin.Context) {
	ident, ok := midsec.Identity(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Infof("[ws] upgrade error: %v", err)
		return
	}

	sess := global.UserSession{
		UserID:      ident.UserID,
		DisplayName: ident.DisplayName,
		AvatarURL:   ident.AvatarURL,
	}
	cl := newClient(s.st, sess, ws)
	cl.run()
}

// client is one live connection's state: its session controller, its
// presence tracker, and the outbound frame queue.
type client struct {
	sess    global.UserSession
	ws      *websocket.Conn
	ctrl    *chatsync.Controller
	tracker *presence.Tracker
	out     chan StateFrame
	done    chan struct{}
}

func newClient(st store.Store, sess global.UserSession, ws *websocket.Conn) *client {
	return &client{
		sess:    sess,
		ws:      ws,
		ctrl:    chatsync.NewController(sess, st),
		tracker: presence.NewTracker(st, sess),
		out:     make(chan StateFrame, 64),
		done:    make(chan struct{}),
	}
}

func (cl *client) run() {
	ctx := context.Background()

	// writer goroutine; gorilla allows a single concurrent writer
	safe.SafeGo(func() {
		for {
			select {
			case <-cl.done:
				return
			case frame := <-cl.out:
				if err := cl.ws.WriteJSON(frame); err != nil {
					logger.Infof("[ws] write error user=%s: %v", cl.sess.UserID, err)
					return
				}
			}
		}
	})

	cl.tracker.AnnounceSelf(ctx)
	if _, err := cl.tracker.ObserveAll(ctx, func(model.PresenceRecord) {
		cl.push(presenceFrame(cl.tracker.Snapshot(), time.Now()))
	}); err != nil {
		logger.Warnf("[ws] presence observe failed user=%s: %v", cl.sess.UserID, err)
	}
	cl.ctrl.Reconciler().OnChange = func() {
		cl.push(transcriptFrame(cl.ctrl.Peer(), cl.ctrl.Transcript()))
	}

	// read loop; exits on any read error, teardown below handles the rest
	for {
		mt, data, rerr := cl.ws.ReadMessage()
		if rerr != nil {
			if websocket.IsCloseError(rerr,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Infof("[ws] peer closed user=%s", cl.sess.UserID)
			} else if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				logger.Infof("[ws] read timeout user=%s err=%v", cl.sess.UserID, rerr)
			} else {
				logger.Infof("[ws] read err user=%s err=%v", cl.sess.UserID, rerr)
			}
			break
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		cmd, perr := ParseCommand(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			logger.Infof("[ws] bad command user=%s err=%v sample=%q", cl.sess.UserID, perr, sample)
			continue
		}

		if err := cl.dispatch(ctx, cmd); err != nil {
			cl.push(frameForError(err))
		}
	}

	// teardown: the gateway saw this connection drop, so the offline write
	// happens here; the store-level disconnect action only covers the
	// gateway process itself dying
	{
		tctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		cl.tracker.SignOut(tctx)
		cancel()
	}
	cl.ctrl.Close()
	close(cl.done)
	if err := cl.ws.Close(); err != nil {
		logger.Debugf("[ws] close: %v", err)
	}
}

func (cl *client) dispatch(ctx context.Context, cmd *Command) error {
	switch cmd.Op {
	case OpSelectPeer:
		if err := cl.ctrl.SelectPeer(ctx, cmd.Peer); err != nil {
			return err
		}
		cl.push(transcriptFrame(cl.ctrl.Peer(), cl.ctrl.Transcript()))
		return nil
	case OpInput:
		cl.ctrl.SetInput(cmd.Text)
		return nil
	case OpSubmit:
		return cl.ctrl.Submit(ctx)
	case OpStartEdit:
		return cl.ctrl.StartEdit(cmd.ID)
	case OpCancelEdit:
		cl.ctrl.CancelEdit()
		return nil
	case OpDelete:
		return cl.ctrl.DeleteMessage(ctx, cmd.ID)
	case OpRename:
		if err := cl.tracker.Rename(ctx, cmd.Name); err != nil {
			return err
		}
		cl.ctrl.SetDisplayName(cmd.Name)
		return nil
	default:
		return errs.ErrArgs.WrapMsg("unknown op", "op", cmd.Op)
	}
}

// push enqueues a frame; a slow reader drops frames rather than stalling the
// feed goroutines, since every frame is a full snapshot anyway.
func (cl *client) push(frame StateFrame) {
	select {
	case cl.out <- frame:
	default:
		logger.Warnf("[ws] out queue full user=%s, dropping %s frame", cl.sess.UserID, frame.Type)
	}
}

func frameForError(err error) StateFrame {
	var ce *errs.CodeError
	if errors.As(err, &ce) {
		return errorFrame(ce.Code, ce.Error())
	}
	return errorFrame(0, err.Error())
}
