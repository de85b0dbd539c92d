package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/blob"
	"github.com/mqy/minichat/chat"
)

// The demo bot joins the chat, posts a message every tick and logs what others say.

var (
	serverAddr     = flag.String("server", "http://127.0.0.1:3000", "chat server base url")
	botName        = flag.String("name", "demo-bot", "display name of the bot")
	tickerDuration = flag.Duration("ticker-duration", 30*time.Second, "ticker duration")
	attachFile     = flag.String("attach", "", "file to upload and share once after join")
)

type bot struct {
	base *url.URL
	conn *websocket.Conn
	sent int
}

func main() {
	flag.Parse()
	defer glog.Flush()

	base, err := url.Parse(*serverAddr)
	if err != nil {
		glog.Fatalf("--server: %v", err)
	}

	b := &bot{base: base}
	if err := b.dial(); err != nil {
		glog.Fatalf("dial: %v", err)
	}
	defer b.conn.Close()

	if err := b.send(chat.EventJoin, map[string]string{"displayName": *botName}); err != nil {
		glog.Fatalf("join: %v", err)
	}

	if *attachFile != "" {
		up, err := b.upload(*attachFile)
		if err != nil {
			glog.Fatalf("upload: %v", err)
		}
		glog.Infof("uploaded %s: %s, %d bytes", up.Filename, up.URL, up.Size)
		if err := b.send(chat.EventSendMessage, &chat.MessagePayload{
			Author:  *botName,
			Kind:    up.Kind,
			FileRef: &chat.FileRef{URL: up.URL, DisplayName: up.Filename},
		}); err != nil {
			glog.Fatalf("send: %v", err)
		}
	}

	closed := make(chan struct{})
	go b.recvLoop(closed)

	ticker := time.NewTicker(*tickerDuration)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	for {
		select {
		case <-ticker.C:
			b.sent++
			if err := b.send(chat.EventSendMessage, &chat.MessagePayload{
				Author: *botName,
				Text:   fmt.Sprintf("hello #%d from %s", b.sent, *botName),
			}); err != nil {
				glog.Errorf("send: %v", err)
				return
			}
		case <-closed:
			return
		case <-sigCh:
			_ = b.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
			return
		}
	}
}

func (b *bot) dial() error {
	u := *b.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}
	b.conn = conn
	return nil
}

func (b *bot) send(event string, data interface{}) error {
	return b.conn.WriteJSON(&chat.ServerMsg{Event: event, Data: data})
}

func (b *bot) recvLoop(closed chan<- struct{}) {
	defer close(closed)
	for {
		var msg chat.ClientMsg
		if err := b.conn.ReadJSON(&msg); err != nil {
			glog.Errorf("read: %v", err)
			return
		}

		switch msg.Event {
		case chat.EventInitMessages:
			var history []chat.Message
			_ = json.Unmarshal(msg.Data, &history)
			glog.Infof("history: %d messages", len(history))
		case chat.EventReceiveMessage:
			var m chat.Message
			_ = json.Unmarshal(msg.Data, &m)
			if m.FileRef != nil {
				glog.Infof("[%s] %s: %s (%s %s)", m.CreatedAt.Format(time.Kitchen), m.Author, m.Text, m.Kind, m.FileRef.URL)
			} else {
				glog.Infof("[%s] %s: %s", m.CreatedAt.Format(time.Kitchen), m.Author, m.Text)
			}
		case chat.EventUserJoined, chat.EventUserLeft:
			var p chat.Presence
			_ = json.Unmarshal(msg.Data, &p)
			glog.Infof("%s %s, online: %v", p.DisplayName, msg.Event, p.OnlineUsers)
		case chat.EventError:
			glog.Errorf("rejected: %s", msg.Data)
		}
	}
}

func (b *bot) upload(name string) (*blob.Upload, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(name))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	u := *b.base
	u.Path = "/upload"
	resp, err := http.Post(u.String(), mw.FormDataContentType(), &body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var up blob.Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return nil, err
	}
	return &up, nil
}
