package shopkeeper

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andrewpillar/query"
)

// PSQL provides a way of storing Customers and Subscriptions within
// PostgreSQL. Using this implementation of the Store interface would require
// having the following schema,
//
//	CREATE TABLE stripe_customers (
//		id         VARCHAR NOT NULL UNIQUE,
//		ref        VARCHAR NULL UNIQUE,
//		email      VARCHAR NULL,
//		deleted    BOOLEAN NOT NULL DEFAULT FALSE,
//		version    BIGINT NOT NULL DEFAULT 0,
//		created_at TIMESTAMP NOT NULL
//	);
//
//	CREATE TABLE stripe_events (
//		id         VARCHAR NOT NULL UNIQUE,
//		type       VARCHAR NOT NULL,
//		created_at TIMESTAMP NOT NULL
//	);
//
//	CREATE TABLE stripe_subscriptions (
//		id                 VARCHAR NOT NULL UNIQUE,
//		customer_id        VARCHAR NOT NULL,
//		type               VARCHAR NOT NULL,
//		status             VARCHAR NOT NULL,
//		items              JSON NOT NULL,
//		current_period_end TIMESTAMP NOT NULL,
//		trial_ends_at      TIMESTAMP NULL,
//		ends_at            TIMESTAMP NULL,
//		version            BIGINT NOT NULL
//	);
//
// The UNIQUE constraint on stripe_events.id is what stops two concurrent
// deliveries of the same event from both being applied.
type PSQL struct {
	*sql.DB
}

type psqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// queryer is implemented by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

var (
	_ Store = (*PSQL)(nil)
	_ Tx    = (*psqlTx)(nil)

	customerTable     = "stripe_customers"
	eventTable        = "stripe_events"
	subscriptionTable = "stripe_subscriptions"
)

func forUpdate(stmt string) string { return stmt + " FOR UPDATE" }

func scanCustomer(sc scanner) (*Customer, error) {
	var (
		c          Customer
		ref, email sql.NullString
	)

	if err := sc.Scan(&c.ID, &ref, &email, &c.Deleted, &c.Version, &c.Created); err != nil {
		return nil, err
	}

	c.Ref = ref.String
	c.Email = email.String
	return &c, nil
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var (
		s      Subscription
		status string
		items  []byte
	)

	err := sc.Scan(
		&s.ID,
		&s.CustomerID,
		&s.Type,
		&status,
		&items,
		&s.CurrentPeriodEnd,
		&s.TrialEnd,
		&s.EndsAt,
		&s.Version,
	)

	if err != nil {
		return nil, err
	}

	s.Status = Status(status)
	s.Items = make([]Item, 0)

	if len(items) > 0 {
		if err := json.Unmarshal(items, &s.Items); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

func getCustomer(ctx context.Context, db queryer, lock bool, opts ...query.Option) (*Customer, bool, error) {
	opts = append([]query.Option{
		query.From(customerTable),
	}, opts...)

	q := query.Select(query.Columns("*"), opts...)

	stmt := q.Build()

	if lock {
		stmt = forUpdate(stmt)
	}

	c, err := scanCustomer(db.QueryRowContext(ctx, stmt, q.Args()...))

	if err != nil {
		if err != sql.ErrNoRows {
			return nil, false, storageErr(err)
		}
		return nil, false, nil
	}
	return c, true, nil
}

// claimRef takes the billable reference of the given Customer away from any
// deleted Customer. ErrRefTaken is returned if another Customer still has the
// reference afterwards. Nothing is written that could fail the transaction
// on the UNIQUE constraint.
func claimRef(ctx context.Context, db queryer, c *Customer) error {
	if c.Ref == "" {
		return nil
	}

	if !c.Deleted {
		q := query.Update(
			customerTable,
			query.Set("ref", query.Arg(nil)),
			query.Where("ref", "=", query.Arg(c.Ref)),
			query.Where("deleted", "=", query.Arg(true)),
		)

		if _, err := db.ExecContext(ctx, q.Build(), q.Args()...); err != nil {
			return storageErr(err)
		}
	}

	q := query.Select(
		query.Columns("id"),
		query.From(customerTable),
		query.Where("ref", "=", query.Arg(c.Ref)),
		query.Where("id", "!=", query.Arg(c.ID)),
	)

	var id string

	if err := db.QueryRowContext(ctx, q.Build(), q.Args()...).Scan(&id); err != nil {
		if err != sql.ErrNoRows {
			return storageErr(err)
		}
		return nil
	}
	return fmt.Errorf("%w: %s belongs to %s", ErrRefTaken, c.Ref, id)
}

func insertCustomer(ctx context.Context, db queryer, c *Customer) error {
	created := c.Created

	if created.IsZero() {
		created = time.Now().UTC()
	}

	q := query.Insert(
		customerTable,
		query.Columns("id", "ref", "email", "deleted", "version", "created_at"),
		query.Values(c.ID, nullString(c.Ref), c.Email, c.Deleted, c.Version, created),
	)

	_, err := db.ExecContext(ctx, q.Build(), q.Args()...)
	return storageErr(err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

// putCustomer inserts the given Customer, or updates it if it exists. The
// stored version is never lowered.
func putCustomer(ctx context.Context, db queryer, c *Customer) error {
	if err := claimRef(ctx, db, c); err != nil {
		return err
	}

	q := query.Select(
		query.Columns("id", "version"),
		query.From(customerTable),
		query.Where("id", "=", query.Arg(c.ID)),
	)

	var (
		id      string
		version int64
	)

	if err := db.QueryRowContext(ctx, q.Build(), q.Args()...).Scan(&id, &version); err != nil {
		if err != sql.ErrNoRows {
			return storageErr(err)
		}
	}

	if id == "" {
		return insertCustomer(ctx, db, c)
	}

	if c.Version > version {
		version = c.Version
	}

	q = query.Update(
		customerTable,
		query.Set("ref", query.Arg(nullString(c.Ref))),
		query.Set("email", query.Arg(c.Email)),
		query.Set("deleted", query.Arg(c.Deleted)),
		query.Set("version", query.Arg(version)),
		query.Where("id", "=", query.Arg(c.ID)),
	)

	_, err := db.ExecContext(ctx, q.Build(), q.Args()...)
	return storageErr(err)
}

// addCustomer inserts the given Customer if it does not exist. If it does,
// then only a missing billable reference is set.
func addCustomer(ctx context.Context, db queryer, c *Customer) error {
	q := query.Select(
		query.Columns("id", "ref"),
		query.From(customerTable),
		query.Where("id", "=", query.Arg(c.ID)),
	)

	var (
		id  string
		ref sql.NullString
	)

	if err := db.QueryRowContext(ctx, q.Build(), q.Args()...).Scan(&id, &ref); err != nil {
		if err != sql.ErrNoRows {
			return storageErr(err)
		}
	}

	if id != "" && (ref.Valid || c.Ref == "") {
		return nil
	}

	if err := claimRef(ctx, db, c); err != nil {
		return err
	}

	if id == "" {
		return insertCustomer(ctx, db, c)
	}

	q = query.Update(
		customerTable,
		query.Set("ref", query.Arg(c.Ref)),
		query.Where("id", "=", query.Arg(c.ID)),
	)

	_, err := db.ExecContext(ctx, q.Build(), q.Args()...)
	return storageErr(err)
}

func getSubscription(ctx context.Context, db queryer, id string) (*Subscription, bool, error) {
	q := query.Select(
		query.Columns("*"),
		query.From(subscriptionTable),
		query.Where("id", "=", query.Arg(id)),
	)

	s, err := scanSubscription(db.QueryRowContext(ctx, forUpdate(q.Build()), q.Args()...))

	if err != nil {
		if err != sql.ErrNoRows {
			return nil, false, storageErr(err)
		}
		return nil, false, nil
	}
	return s, true, nil
}

func putSubscription(ctx context.Context, db queryer, s *Subscription) error {
	items, err := json.Marshal(s.Items)

	if err != nil {
		return err
	}

	q := query.Select(
		query.Columns("id"),
		query.From(subscriptionTable),
		query.Where("id", "=", query.Arg(s.ID)),
	)

	var id string

	if err := db.QueryRowContext(ctx, q.Build(), q.Args()...).Scan(&id); err != nil {
		if err != sql.ErrNoRows {
			return storageErr(err)
		}
	}

	if id == "" {
		q = query.Insert(
			subscriptionTable,
			query.Columns("id", "customer_id", "type", "status", "items", "current_period_end", "trial_ends_at", "ends_at", "version"),
			query.Values(s.ID, s.CustomerID, s.Type, string(s.Status), string(items), s.CurrentPeriodEnd, s.TrialEnd, s.EndsAt, s.Version),
		)

		_, err := db.ExecContext(ctx, q.Build(), q.Args()...)
		return storageErr(err)
	}

	q = query.Update(
		subscriptionTable,
		query.Set("customer_id", query.Arg(s.CustomerID)),
		query.Set("type", query.Arg(s.Type)),
		query.Set("status", query.Arg(string(s.Status))),
		query.Set("items", query.Arg(string(items))),
		query.Set("current_period_end", query.Arg(s.CurrentPeriodEnd)),
		query.Set("trial_ends_at", query.Arg(s.TrialEnd)),
		query.Set("ends_at", query.Arg(s.EndsAt)),
		query.Set("version", query.Arg(s.Version)),
		query.Where("id", "=", query.Arg(s.ID)),
	)

	_, err = db.ExecContext(ctx, q.Build(), q.Args()...)
	return storageErr(err)
}

// logEvent stores the given event ID in the stripe_events table. If the event
// already exists then ErrEventExists is returned. A concurrent insert of the
// same ID will block on the UNIQUE constraint until the first transaction is
// done, and then fail if it committed.
func logEvent(ctx context.Context, db queryer, id, typ string) error {
	q := query.Select(
		query.Count("id"),
		query.From(eventTable),
		query.Where("id", "=", query.Arg(id)),
	)

	var count int64

	if err := db.QueryRowContext(ctx, q.Build(), q.Args()...).Scan(&count); err != nil {
		return storageErr(err)
	}

	if count > 0 {
		return ErrEventExists
	}

	q = query.Insert(
		eventTable,
		query.Columns("id", "type", "created_at"),
		query.Values(id, typ, time.Now().UTC()),
	)

	if _, err := db.ExecContext(ctx, q.Build(), q.Args()...); err != nil {
		if isUniqueViolation(err) {
			return ErrEventExists
		}
		return storageErr(err)
	}
	return nil
}

// LookupCustomer will lookup the Customer by the given billable reference in
// the stripe_customers table and return them along with whether or not the
// Customer could be found.
func (p PSQL) LookupCustomer(ctx context.Context, ref string) (*Customer, bool, error) {
	return getCustomer(ctx, p.DB, false, query.Where("ref", "=", query.Arg(ref)))
}

// PutCustomer will insert the given Customer into the stripe_customers table
// if it does not already exist. An existing Customer only has a missing
// billable reference set, the rest of the row is left to the Synchronizer.
func (p PSQL) PutCustomer(ctx context.Context, c *Customer) error {
	return addCustomer(ctx, p.DB, c)
}

// Subscriptions returns all of the Subscriptions for the given Customer ID
// from the stripe_subscriptions table, ordered by the end of their current
// period, newest first.
func (p PSQL) Subscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	q := query.Select(
		query.Columns("*"),
		query.From(subscriptionTable),
		query.Where("customer_id", "=", query.Arg(customerID)),
		query.OrderDesc("current_period_end"),
	)

	rows, err := p.QueryContext(ctx, q.Build(), q.Args()...)

	if err != nil {
		return nil, storageErr(err)
	}

	defer rows.Close()

	subs := make([]*Subscription, 0)

	for rows.Next() {
		s, err := scanSubscription(rows)

		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, storageErr(rows.Err())
}

// Sync implements the Store interface. The event ID is logged, and fn is
// called, within a single transaction.
func (p PSQL) Sync(ctx context.Context, eventID, eventType string, fn func(Tx) error) error {
	tx, err := p.BeginTx(ctx, nil)

	if err != nil {
		return storageErr(err)
	}

	if err := logEvent(ctx, tx, eventID, eventType); err != nil {
		tx.Rollback()
		return err
	}

	if err := fn(&psqlTx{ctx: ctx, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return storageErr(tx.Commit())
}

// PruneEvents deletes the events from the stripe_events table that were
// logged before the given time. Once pruned, a redelivery of one of these
// events would be applied again, so the cut off should be well beyond the
// period Stripe retries deliveries for.
func (p PSQL) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	q := query.Delete(eventTable, query.Where("created_at", "<", query.Arg(before)))

	res, err := p.ExecContext(ctx, q.Build(), q.Args()...)

	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *psqlTx) Customer(id string) (*Customer, bool, error) {
	return getCustomer(t.ctx, t.tx, true, query.Where("id", "=", query.Arg(id)))
}

func (t *psqlTx) Subscription(id string) (*Subscription, bool, error) {
	return getSubscription(t.ctx, t.tx, id)
}

func (t *psqlTx) PutCustomer(c *Customer) error { return putCustomer(t.ctx, t.tx, c) }

func (t *psqlTx) PutSubscription(s *Subscription) error { return putSubscription(t.ctx, t.tx, s) }
