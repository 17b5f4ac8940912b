package sqlstore

import (
	"fmt"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun"
)

type RepositoryFactory struct {
	db *bun.DB

	ledgerStore       *LedgerStore
	subscriberStore   *SubscriberStore
	cancellationStore *CancellationStore
	unitOfWork        *UnitOfWork
}

func NewRepositoryFactory() *RepositoryFactory {
	return &RepositoryFactory{}
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory()
	if err := factory.BuildStores(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func (f *RepositoryFactory) BuildStores(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.ledgerStore != nil && f.unitOfWork != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

func (f *RepositoryFactory) LedgerStore() *LedgerStore {
	if f == nil {
		return nil
	}
	return f.ledgerStore
}

func (f *RepositoryFactory) SubscriberStore() *SubscriberStore {
	if f == nil {
		return nil
	}
	return f.subscriberStore
}

func (f *RepositoryFactory) CancellationStore() *CancellationStore {
	if f == nil {
		return nil
	}
	return f.cancellationStore
}

func (f *RepositoryFactory) UnitOfWork() *UnitOfWork {
	if f == nil {
		return nil
	}
	return f.unitOfWork
}

func (f *RepositoryFactory) initStores() error {
	ledgerStore, err := NewLedgerStore(f.db)
	if err != nil {
		return err
	}
	subscriberStore, err := NewSubscriberStore(f.db)
	if err != nil {
		return err
	}
	cancellationStore, err := NewCancellationStore(f.db)
	if err != nil {
		return err
	}
	unitOfWork, err := NewUnitOfWork(f.db)
	if err != nil {
		return err
	}
	f.ledgerStore = ledgerStore
	f.subscriberStore = subscriberStore
	f.cancellationStore = cancellationStore
	f.unitOfWork = unitOfWork
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
