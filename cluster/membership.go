package cluster

import (
	"net"
	"sync"

	"github.com/hashicorp/serf/serf"
	"github.com/mohitkumar/nurture/logger"
	"go.uber.org/zap"
)

const TAG_HTTP_ADDR = "http_addr"

type Config struct {
	NodeName       string
	BindAddr       string
	Tags           map[string]string
	StartJoinAddrs []string
}

// Handler is told about every other node that joins or leaves the gossip
// pool. Ring implements it.
type Handler interface {
	Join(name, addr string) error
	Leave(name string) error
}

// Membership gossips with the other nurture nodes over serf and keeps a
// Handler's view of the cluster in step with it.
type Membership struct {
	conf    Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	done    chan struct{}
	once    sync.Once
	log     *zap.Logger
}

func NewMembership(handler Handler, conf Config) (*Membership, error) {
	addr, err := net.ResolveTCPAddr("tcp", conf.BindAddr)
	if err != nil {
		return nil, err
	}
	m := &Membership{
		conf:    conf,
		handler: handler,
		events:  make(chan serf.Event, 64),
		done:    make(chan struct{}),
		log:     logger.Named("membership").With(zap.String("node", conf.NodeName)),
	}
	sc := serf.DefaultConfig()
	sc.Init()
	sc.NodeName = conf.NodeName
	sc.Tags = conf.Tags
	sc.EventCh = m.events
	sc.MemberlistConfig.BindAddr = addr.IP.String()
	sc.MemberlistConfig.BindPort = addr.Port
	if m.serf, err = serf.Create(sc); err != nil {
		return nil, err
	}
	go m.watch()
	if len(conf.StartJoinAddrs) > 0 {
		n, err := m.serf.Join(conf.StartJoinAddrs, true)
		if err != nil {
			m.serf.Shutdown()
			return nil, err
		}
		m.log.Info("joined cluster", zap.Int("contacted", n), zap.Strings("seeds", conf.StartJoinAddrs))
	}
	return m, nil
}

func (m *Membership) watch() {
	for {
		select {
		case <-m.done:
			return
		case e := <-m.events:
			me, ok := e.(serf.MemberEvent)
			if !ok {
				continue
			}
			for _, member := range me.Members {
				if member.Name == m.conf.NodeName {
					continue
				}
				m.apply(me.Type, member)
			}
		}
	}
}

func (m *Membership) apply(t serf.EventType, member serf.Member) {
	addr := member.Tags[TAG_HTTP_ADDR]
	var err error
	switch t {
	case serf.EventMemberJoin:
		err = m.handler.Join(member.Name, addr)
	case serf.EventMemberUpdate:
		// re-added so a changed address is picked up
		if err = m.handler.Leave(member.Name); err == nil {
			err = m.handler.Join(member.Name, addr)
		}
	case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
		err = m.handler.Leave(member.Name)
	default:
		return
	}
	if err != nil {
		m.log.Error("error applying member event", zap.String("event", t.String()),
			zap.String("member", member.Name), zap.String(TAG_HTTP_ADDR, addr), zap.Error(err))
	}
}

// Members returns the nodes serf currently considers alive.
func (m *Membership) Members() []Member {
	var out []Member
	for _, member := range m.serf.Members() {
		if member.Status == serf.StatusAlive {
			out = append(out, Member{Name: member.Name, Addr: member.Tags[TAG_HTTP_ADDR]})
		}
	}
	return out
}

// Leave announces the departure to the other nodes and shuts serf down.
func (m *Membership) Leave() error {
	var err error
	m.once.Do(func() {
		if err = m.serf.Leave(); err != nil {
			m.log.Warn("error leaving cluster", zap.Error(err))
		}
		close(m.done)
		err = m.serf.Shutdown()
	})
	return err
}
