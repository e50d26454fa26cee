package storage_test

import (
	"log"
	"os"
	"testing"

	"github.com/elnosh/nutcore/wallet/storage"
	"github.com/elnosh/nutcore/wallet/storage/storagetest"
)

var (
	db *storage.BoltDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath, err := os.MkdirTemp("", "testdbbolt")
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	db, err = storage.InitBolt(dbpath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func TestBoltDB(t *testing.T) {
	storagetest.TestDB(t, db)
}

func TestBoltWriteAfterClose(t *testing.T) {
	closed, err := storage.InitBolt(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	storagetest.TestWriteAfterClose(t, closed)
}
