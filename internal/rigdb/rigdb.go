// Package rigdb records program activity and experiment runs in a ClickHouse
// database. Every method is a no-op when no database is connected, so callers
// never need to check.
package rigdb

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

// RigDBConnection holds an open database connection (or the reason there is none).
type RigDBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	experimentmsg chan *ExperimentMessage
	stopped       chan struct{} // closed when handleConnection returns
	lock          sync.Mutex    // guards conn and err
	sync.WaitGroup
}

const databaseName = "camstim" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

var entropy = ulid.Monotonic(rand.Reader, 0)
var entropyLock sync.Mutex

// NewID returns a new ULID string for a database row.
func NewID(t time.Time) string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// IsConnected reports whether db is usable.
func (db *RigDBConnection) IsConnected() bool {
	if db == nil {
		return false
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	return (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected db, if any.
func (db *RigDBConnection) Err() error {
	if db == nil {
		return nil
	}
	db.lock.Lock()
	defer db.lock.Unlock()
	return db.err
}

func (db *RigDBConnection) setErr(err error) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if db.err == nil {
		db.err = err
	}
}

// StartDBConnection connects to the server at addr, logs activity, and
// serves experiment messages until abort is closed.
func StartDBConnection(addr string, activity *ActivityMessage, abort <-chan struct{}) *RigDBConnection {
	db := createDBConnection(addr)
	db.activityEntry = activity
	db.logActivity()
	db.Add(1)
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns a connection that records nothing.
func DummyDBConnection() *RigDBConnection {
	db := &RigDBConnection{err: fmt.Errorf("no database requested"), stopped: make(chan struct{})}
	close(db.stopped)
	return db
}

func createDBConnection(addr string) *RigDBConnection {
	db := &RigDBConnection{stopped: make(chan struct{})}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("CAMSTIM_DB_USER"),
		Password: os.Getenv("CAMSTIM_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "camstim", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.experimentmsg = make(chan *ExperimentMessage)
	return db
}

func (db *RigDBConnection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO camstimactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion, ae.CPUs,
		ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into camstimactivity ", err)
		db.setErr(err)
	}
}

func (db *RigDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	defer close(db.stopped)
	if !db.IsConnected() {
		return
	}
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case emsg := <-db.experimentmsg:
			db.handleExperimentMessage(emsg)
		}
	}
}

// Disconnect records the end of this program's activity and closes the connection.
func (db *RigDBConnection) Disconnect() {
	if db.IsConnected() {
		if db.activityEntry != nil {
			db.activityEntry.End = time.Now()
			db.logActivity()
		}
		db.lock.Lock()
		db.conn.Close()
		db.conn = nil
		db.lock.Unlock()
	}
}

// RecordExperiment stores an experiment row. It blocks until the connection
// goroutine accepts the message, so a run is entered before its completion.
func (db *RigDBConnection) RecordExperiment(msg *ExperimentMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	select {
	case db.experimentmsg <- msg:
	case <-db.stopped:
	}
}

// FinishExperiment stores the final version of an experiment row.
func (db *RigDBConnection) FinishExperiment(msg *ExperimentMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	select {
	case db.experimentmsg <- msg:
	case <-db.stopped:
	}
}

func (db *RigDBConnection) handleExperimentMessage(m *ExperimentMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	activityID := ""
	if db.activityEntry != nil {
		activityID = db.activityEntry.ID
	}
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO experimentruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, activityID, m.Name, m.Directory, m.CameraID,
		m.PrePostSeconds, m.OnSeconds, m.CurrentmA, m.NStim, m.SampleRate,
		m.FramesWritten, m.Completed, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into experimentruns ", err)
		db.setErr(err)
	}
}
