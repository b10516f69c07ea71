package server

import (
	"log"
	"strconv"
	"strings"

	"wizzd/db"
	"wizzd/models"
	"wizzd/protocol"
)

// Payload ceilings. Frames above these are rejected with an Error reply
// rather than dropped connections; the framer's own ceiling still
// bounds worst-case memory.
const (
	maxVoiceSize  = 50 << 20
	maxAvatarSize = 10 << 20
)

func (s *Server) handleLogin(sess *Session, pkt *protocol.Packet) error {
	username, err := pkt.ReadString()
	if err != nil {
		return err
	}
	password, err := pkt.ReadString()
	if err != nil {
		return err
	}

	if sess.authed {
		s.sendError(sess, "Already authenticated")
		return nil
	}

	id := sess.id
	s.runStore(func() {
		valid, dbErr := s.db.VerifyCredentials(username, password)
		s.post(func() {
			sess, ok := s.sessions[id]
			if !ok || sess.closed {
				return
			}
			if dbErr != nil {
				log.Printf("Login error for session %d: %v", id, dbErr)
				valid = false
			}
			if !valid {
				// Same reply for unknown user and wrong password.
				resp := protocol.New(protocol.LoginFailed)
				resp.WriteString("Invalid username or password.")
				sess.send(resp)
				return
			}
			s.completeLogin(sess, username, protocol.LoginSuccess, "Welcome back, "+username+"!")
		})
	})
	return nil
}

func (s *Server) handleRegister(sess *Session, pkt *protocol.Packet) error {
	username, err := pkt.ReadString()
	if err != nil {
		return err
	}
	password, err := pkt.ReadString()
	if err != nil {
		return err
	}

	if username == "" || password == "" {
		resp := protocol.New(protocol.RegisterFailed)
		resp.WriteString("Username and password required.")
		sess.send(resp)
		return nil
	}
	if sess.authed {
		s.sendError(sess, "Already authenticated")
		return nil
	}

	id := sess.id
	s.runStore(func() {
		created, dbErr := s.db.CreateAccount(username, password)
		s.post(func() {
			sess, ok := s.sessions[id]
			if !ok || sess.closed {
				return
			}
			if dbErr != nil {
				log.Printf("Register error for session %d: %v", id, dbErr)
				resp := protocol.New(protocol.RegisterFailed)
				resp.WriteString("Registration failed.")
				sess.send(resp)
				return
			}
			if !created {
				resp := protocol.New(protocol.RegisterFailed)
				resp.WriteString("Username already taken.")
				sess.send(resp)
				return
			}
			// Successful registration is an auto-login.
			s.completeLogin(sess, username, protocol.RegisterSuccess, "Registration successful! Welcome, "+username+"!")
		})
	})
	return nil
}

// completeLogin runs on the control loop for both Login and Register
// success. It authenticates the session, settles duplicate logins,
// announces presence and flushes offline messages.
func (s *Server) completeLogin(sess *Session, username string, respType uint32, greeting string) {
	// Duplicate login: the new session wins, the old one is told why
	// and evicted.
	if old, ok := s.online[username]; ok && old != sess {
		s.sendError(old, "Signed in from another location.")
		delete(s.online, username)
		old.close()
		log.Printf("Evicted session %d: duplicate login for %s", old.id, username)
	}

	sess.username = username
	sess.authed = true
	s.online[username] = sess
	s.statuses[username] = models.StatusOnline
	s.metrics.UsersOnline.Set(float64(len(s.online)))
	log.Printf("User online: %s (session %d)", username, sess.id)

	resp := protocol.New(respType)
	resp.WriteString(greeting)
	sess.send(resp)

	s.notifyFollowers(username, models.StatusOnline)
	s.flushPending(sess.id, username)
}

// flushPending delivers stored undelivered messages right after login.
// The fetch is bounded; each message is marked delivered only after it
// was written out, so a crash in between redelivers (at-least-once).
func (s *Server) flushPending(id uint64, username string) {
	s.runStore(func() {
		pending, err := s.db.FetchPending(username, db.DefaultPendingLimit)
		if err != nil {
			log.Printf("Failed to fetch pending messages for %s: %v", username, err)
			return
		}
		if len(pending) == 0 {
			return
		}

		// Rebuild frames on the worker so the control loop never
		// touches the disk for voice blobs.
		packets := make([]*protocol.Packet, 0, len(pending))
		ids := make([]int64, 0, len(pending))
		for _, msg := range pending {
			pkt := s.buildStoredFrame(msg)
			if pkt == nil {
				// Undeliverable blob; count it delivered so it does
				// not wedge the queue forever.
				ids = append(ids, msg.ID)
				continue
			}
			packets = append(packets, pkt)
			ids = append(ids, msg.ID)
		}

		s.post(func() {
			sess, ok := s.sessions[id]
			if !ok || sess.closed {
				return
			}
			log.Printf("Flushing %d offline messages to %s", len(packets), username)
			for _, pkt := range packets {
				sess.send(pkt)
			}
			s.runStore(func() {
				for _, msgID := range ids {
					if err := s.db.MarkDelivered(msgID); err != nil {
						log.Printf("Failed to mark message %d delivered: %v", msgID, err)
					}
				}
			})
		})
	})
}

// buildStoredFrame turns a stored row back into the frame the recipient
// would have received live. Voice rows reference a blob on disk.
func (s *Server) buildStoredFrame(msg models.StoredMessage) *protocol.Packet {
	if duration, path, ok := parseVoiceBody(msg.Body); ok {
		data, err := s.blobs.Read(path)
		if err != nil {
			log.Printf("Failed to read voice blob %s: %v", path, err)
			return nil
		}
		pkt := protocol.New(protocol.VoiceMessage)
		pkt.WriteString(msg.Sender)
		pkt.WriteUint32(duration)
		pkt.WriteUint32(uint32(len(data)))
		pkt.WriteBytes(data)
		return pkt
	}

	pkt := protocol.New(protocol.DirectMessage)
	pkt.WriteString(msg.Sender)
	pkt.WriteString(msg.Body)
	return pkt
}

func (s *Server) handleDirectMessage(sess *Session, pkt *protocol.Packet) error {
	target, err := pkt.ReadString()
	if err != nil {
		return err
	}
	body, err := pkt.ReadString()
	if err != nil {
		return err
	}

	// Routing decision is a pure directory lookup; no storage round
	// trip on the online path.
	delivered := false
	if targetSess, ok := s.online[target]; ok {
		out := protocol.New(protocol.DirectMessage)
		out.WriteString(sess.username)
		out.WriteString(body)
		targetSess.send(out)
		delivered = true
		s.metrics.MessagesRouted.Inc()
	} else {
		s.metrics.MessagesStored.Inc()
	}

	// Fire-and-forget history/offline row.
	sender := sess.username
	s.runStore(func() {
		if _, err := s.db.StoreMessage(sender, target, body, delivered); err != nil {
			log.Printf("Failed to store message %s -> %s: %v", sender, target, err)
		}
	})

	ack := protocol.New(protocol.MessageSent)
	ack.WriteString(target)
	sess.send(ack)
	return nil
}

func (s *Server) handleNudge(sess *Session, pkt *protocol.Packet) error {
	target, err := pkt.ReadString()
	if err != nil {
		return err
	}

	targetSess, ok := s.online[target]
	if !ok {
		s.sendError(sess, "User "+target+" is offline.")
		return nil
	}
	if s.statuses[target] == models.StatusBusy {
		s.sendError(sess, "User "+target+" is busy and cannot be nudged.")
		return nil
	}

	out := protocol.New(protocol.Nudge)
	out.WriteString(sess.username)
	targetSess.send(out)
	return nil
}

func (s *Server) handleTypingIndicator(sess *Session, pkt *protocol.Packet) error {
	target, err := pkt.ReadString()
	if err != nil {
		return err
	}
	typing, err := pkt.ReadUint32()
	if err != nil {
		return err
	}

	// Online-only, dropped silently otherwise.
	if targetSess, ok := s.online[target]; ok {
		out := protocol.New(protocol.TypingIndicator)
		out.WriteString(sess.username)
		out.WriteUint32(typing)
		targetSess.send(out)
	}
	return nil
}

func (s *Server) handleVoiceMessage(sess *Session, pkt *protocol.Packet) error {
	target, err := pkt.ReadString()
	if err != nil {
		return err
	}
	duration, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	size, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	if size > maxVoiceSize {
		s.sendError(sess, "Voice message too large")
		return nil
	}
	data, err := pkt.ReadBytes(size)
	if err != nil {
		return err
	}

	sender := sess.username
	if targetSess, ok := s.online[target]; ok {
		out := protocol.New(protocol.VoiceMessage)
		out.WriteString(sender)
		out.WriteUint32(duration)
		out.WriteUint32(size)
		out.WriteBytes(data)
		targetSess.send(out)
		s.metrics.MessagesRouted.Inc()
		return nil
	}

	// Offline: the blob goes to disk on the worker, the row references
	// it and is replayed on the next login.
	s.metrics.MessagesStored.Inc()
	s.runStore(func() {
		path, err := s.blobs.SaveVoice(sender, data)
		if err != nil {
			log.Printf("Failed to save voice blob from %s: %v", sender, err)
			return
		}
		if _, err := s.db.StoreMessage(sender, target, voiceBody(duration, path), false); err != nil {
			log.Printf("Failed to store voice message %s -> %s: %v", sender, target, err)
		}
	})
	return nil
}

func (s *Server) handleAddContact(sess *Session, pkt *protocol.Packet) error {
	friend, err := pkt.ReadString()
	if err != nil {
		return err
	}

	owner := sess.username
	id := sess.id
	s.runStore(func() {
		ok, dbErr := s.db.AddFriend(owner, friend)
		friends, listErr := s.db.ListFriends(owner)
		s.post(func() {
			sess, alive := s.sessions[id]
			if !alive || sess.closed {
				return
			}
			if dbErr != nil || listErr != nil {
				log.Printf("Add contact error for %s: %v %v", owner, dbErr, listErr)
				s.sendError(sess, "Internal error")
				return
			}
			if !ok {
				s.sendError(sess, "User "+friend+" not found.")
			}
			// Always answer with the full snapshot, never a delta.
			sess.send(s.buildContactList(friends))
		})
	})
	return nil
}

func (s *Server) handleRemoveContact(sess *Session, pkt *protocol.Packet) error {
	friend, err := pkt.ReadString()
	if err != nil {
		return err
	}

	owner := sess.username
	id := sess.id
	s.runStore(func() {
		dbErr := s.db.RemoveFriend(owner, friend)
		friends, listErr := s.db.ListFriends(owner)
		s.post(func() {
			sess, alive := s.sessions[id]
			if !alive || sess.closed {
				return
			}
			if dbErr != nil || listErr != nil {
				log.Printf("Remove contact error for %s: %v %v", owner, dbErr, listErr)
				s.sendError(sess, "Internal error")
				return
			}
			sess.send(s.buildContactList(friends))
		})
	})
	return nil
}

// buildContactList runs on the control loop: statuses come from the
// directory, not the store.
func (s *Server) buildContactList(friends []string) *protocol.Packet {
	pkt := protocol.New(protocol.ContactList)
	pkt.WriteUint32(uint32(len(friends)))
	for _, friend := range friends {
		pkt.WriteString(friend)
		pkt.WriteUint32(s.statusOf(friend))
	}
	return pkt
}

func (s *Server) handleStatusChange(sess *Session, pkt *protocol.Packet) error {
	status, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	if status > models.StatusOffline {
		s.sendError(sess, "Unknown status")
		return nil
	}

	s.statuses[sess.username] = status
	s.notifyFollowers(sess.username, status)
	return nil
}

func (s *Server) handleUpdateAvatar(sess *Session, pkt *protocol.Packet) error {
	size, err := pkt.ReadUint32()
	if err != nil {
		return err
	}
	if size > maxAvatarSize {
		s.sendError(sess, "Avatar too large")
		return nil
	}
	data, err := pkt.ReadBytes(size)
	if err != nil {
		return err
	}

	username := sess.username
	s.runStore(func() {
		path, err := s.blobs.SaveAvatar(username, data)
		if err != nil {
			log.Printf("Failed to save avatar for %s: %v", username, err)
			return
		}
		if ok, err := s.db.SetAvatar(username, path); err != nil || !ok {
			log.Printf("Failed to update avatar ref for %s: %v", username, err)
			return
		}
		friends, err := s.db.ListFriends(username)
		if err != nil {
			log.Printf("Failed to list friends of %s: %v", username, err)
			return
		}
		s.post(func() {
			for _, friend := range friends {
				if target, ok := s.online[friend]; ok {
					out := protocol.New(protocol.AvatarData)
					out.WriteString(username)
					out.WriteUint32(uint32(len(data)))
					out.WriteBytes(data)
					target.send(out)
				}
			}
		})
	})
	return nil
}

func (s *Server) handleGetAvatar(sess *Session, pkt *protocol.Packet) error {
	target, err := pkt.ReadString()
	if err != nil {
		return err
	}

	id := sess.id
	s.runStore(func() {
		path, err := s.db.GetAvatar(target)
		if err != nil || path == "" {
			// No avatar set; no reply, matching live behavior.
			return
		}
		data, err := s.blobs.Read(path)
		if err != nil {
			log.Printf("Failed to read avatar blob %s: %v", path, err)
			return
		}
		s.post(func() {
			sess, alive := s.sessions[id]
			if !alive || sess.closed {
				return
			}
			out := protocol.New(protocol.AvatarData)
			out.WriteString(target)
			out.WriteUint32(uint32(len(data)))
			out.WriteBytes(data)
			sess.send(out)
		})
	})
	return nil
}

func (s *Server) handleGameStatus(sess *Session, pkt *protocol.Packet) error {
	game, err := pkt.ReadString()
	if err != nil {
		return err
	}
	score, err := pkt.ReadUint32()
	if err != nil {
		return err
	}

	username := sess.username
	s.runStore(func() {
		friends, err := s.db.ListFriends(username)
		if err != nil {
			log.Printf("Failed to list friends of %s: %v", username, err)
			return
		}
		s.post(func() {
			for _, friend := range friends {
				if target, ok := s.online[friend]; ok {
					out := protocol.New(protocol.GameStatus)
					out.WriteString(username)
					out.WriteString(game)
					out.WriteUint32(score)
					target.send(out)
				}
			}
		})
	})
	return nil
}

// Voice rows are stored as "VOICE:<duration>:<path>" so text and voice
// history share one table.
func voiceBody(duration uint32, path string) string {
	return "VOICE:" + strconv.FormatUint(uint64(duration), 10) + ":" + path
}

func parseVoiceBody(body string) (duration uint32, path string, ok bool) {
	if !strings.HasPrefix(body, "VOICE:") {
		return 0, "", false
	}
	rest := body[len("VOICE:"):]
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return 0, "", false
	}
	d, err := strconv.ParseUint(rest[:sep], 10, 32)
	if err != nil {
		return 0, "", false
	}
	return uint32(d), rest[sep+1:], true
}
