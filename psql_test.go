package shopkeeper

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
)

var (
	customerColumns     = []string{"id", "ref", "email", "deleted", "version", "created_at"}
	subscriptionColumns = []string{"id", "customer_id", "type", "status", "items", "current_period_end", "trial_ends_at", "ends_at", "version"}

	countEventQuery  = `SELECT COUNT.+FROM stripe_events`
	insertEventQuery = `INSERT INTO stripe_events`
)

func newStore(t *testing.T) (PSQL, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()

	if err != nil {
		t.Fatal(err)
	}
	return PSQL{
		DB: db,
	}, mock
}

func Test_LookupCustomer(t *testing.T) {
	store, mock := newStore(t)
	defer store.DB.Close()

	tests := []struct {
		ref           string
		expectedQuery string
		expectedOk    bool
		row           []driver.Value
	}{
		{
			"team_1",
			"SELECT * FROM stripe_customers WHERE (ref = $1)",
			true,
			[]driver.Value{"cus_123456", "team_1", "me@example.com", false, int64(1600000000), time.Now()},
		},
		{
			"team_2",
			"SELECT * FROM stripe_customers WHERE (ref = $1)",
			false,
			[]driver.Value{},
		},
	}

	for i, test := range tests {
		rows := sqlmock.NewRows(customerColumns)

		if len(test.row) > 0 {
			rows.AddRow(test.row...)
		}
		mock.ExpectQuery(regexp.QuoteMeta(test.expectedQuery)).WithArgs(test.ref).WillReturnRows(rows)

		c, ok, err := store.LookupCustomer(context.Background(), test.ref)

		if err != nil {
			t.Fatalf("tests[%d] - unexpected error: %s\n", i, err)
		}

		if ok != test.expectedOk {
			t.Errorf("tests[%d] - expected customer lookup to be ok=%v, it was not\n", i, test.expectedOk)
			continue
		}

		if ok && c.Ref != test.ref {
			t.Errorf("tests[%d] - unexpected customer ref, expected=%q, got=%q\n", i, test.ref, c.Ref)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func Test_Subscriptions(t *testing.T) {
	store, mock := newStore(t)
	defer store.DB.Close()

	end := time.Now().Add(time.Hour * 24 * 30)

	tests := []struct {
		customerID    string
		expectedQuery string
		expectedLen   int
		rows          [][]driver.Value
	}{
		{
			"cus_123456",
			"SELECT * FROM stripe_subscriptions WHERE (customer_id = $1)",
			2,
			[][]driver.Value{
				{"sub_2", "cus_123456", "default", "active", `[{"price_id":"price_1","product_id":"prod_1","quantity":1}]`, end, nil, nil, int64(2)},
				{"sub_1", "cus_123456", "default", "canceled", `[]`, end.Add(-time.Hour * 24 * 30), nil, end, int64(1)},
			},
		},
		{
			"cus_654321",
			"SELECT * FROM stripe_subscriptions WHERE (customer_id = $1)",
			0,
			nil,
		},
	}

	for i, test := range tests {
		rows := sqlmock.NewRows(subscriptionColumns)

		for _, row := range test.rows {
			rows.AddRow(row...)
		}
		mock.ExpectQuery(regexp.QuoteMeta(test.expectedQuery)).WithArgs(test.customerID).WillReturnRows(rows)

		subs, err := store.Subscriptions(context.Background(), test.customerID)

		if err != nil {
			t.Fatalf("tests[%d] - unexpected error: %s\n", i, err)
		}

		if len(subs) != test.expectedLen {
			t.Errorf("tests[%d] - unexpected number of subscriptions, expected=%d, got=%d\n", i, test.expectedLen, len(subs))
			continue
		}

		if test.expectedLen > 0 && !subs[0].HasPrice("price_1") {
			t.Errorf("tests[%d] - expected subscription items to be decoded, got=%v\n", i, subs[0].Items)
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func Test_PSQLSync(t *testing.T) {
	store, mock := newStore(t)
	defer store.DB.Close()

	errHandler := errors.New("handler failed")

	tests := []struct {
		expect      func()
		fn          func(Tx) error
		expectedErr error
	}{
		{
			func() {
				mock.ExpectBegin()
				mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectExec(insertEventQuery).WithArgs("evt_1", "customer.updated", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			func(Tx) error { return nil },
			nil,
		},
		{
			func() {
				mock.ExpectBegin()
				mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
				mock.ExpectRollback()
			},
			func(Tx) error {
				t.Error("handler called for duplicate event")
				return nil
			},
			ErrEventExists,
		},
		{
			func() {
				mock.ExpectBegin()
				mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectExec(insertEventQuery).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
				mock.ExpectRollback()
			},
			func(Tx) error { return nil },
			ErrEventExists,
		},
		{
			func() {
				mock.ExpectBegin()
				mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
				mock.ExpectRollback()
			},
			func(Tx) error { return nil },
			ErrStorageConflict,
		},
		{
			func() {
				mock.ExpectBegin()
				mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectExec(insertEventQuery).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectRollback()
			},
			func(Tx) error { return errHandler },
			errHandler,
		},
		{
			func() {
				mock.ExpectBegin()
				mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
				mock.ExpectExec(insertEventQuery).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM stripe_customers WHERE (id = $1) FOR UPDATE")).
					WithArgs("cus_123456").
					WillReturnRows(sqlmock.NewRows(customerColumns).AddRow("cus_123456", "team_1", "", false, int64(1600000001), time.Now()))
				mock.ExpectRollback()
			},
			func(tx Tx) error {
				cur, ok, err := tx.Customer("cus_123456")

				if err != nil {
					return err
				}

				if !ok {
					t.Error("expected customer to be found")
					return nil
				}

				_, err = applyCustomer(cur, Event{ID: "evt_1", Type: "customer.updated", Version: 1600000000}, testStripeCustomer("cus_123456"))
				return err
			},
			ErrStaleEvent,
		},
	}

	for i, test := range tests {
		test.expect()

		err := store.Sync(context.Background(), "evt_1", "customer.updated", test.fn)

		if test.expectedErr == nil && err != nil {
			t.Errorf("tests[%d] - unexpected error: %s\n", i, err)
		}

		if test.expectedErr != nil && !errors.Is(err, test.expectedErr) {
			t.Errorf("tests[%d] - unexpected error, expected=%q, got=%v\n", i, test.expectedErr, err)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("tests[%d] - %s\n", i, err)
		}
	}
}

func Test_storageErr(t *testing.T) {
	errOther := errors.New("connection reset")

	tests := []struct {
		err               error
		expectedErr       error
		expectedRetryable bool
	}{
		{&pq.Error{Code: "40001"}, ErrStorageConflict, true},
		{&pq.Error{Code: "23505", Constraint: "stripe_customers_id_key"}, ErrStorageConflict, true},
		{&pq.Error{Code: "23505", Constraint: "stripe_customers_ref_key"}, ErrRefTaken, false},
		{&pq.Error{Code: "23502"}, nil, false},
		{errOther, errOther, false},
	}

	for i, test := range tests {
		err := storageErr(test.err)

		if test.expectedErr != nil && !errors.Is(err, test.expectedErr) {
			t.Errorf("tests[%d] - unexpected error, expected=%q, got=%v\n", i, test.expectedErr, err)
		}

		if Retryable(err) != test.expectedRetryable {
			t.Errorf("tests[%d] - expected retryable=%v, got=%v\n", i, test.expectedRetryable, Retryable(err))
		}
	}
}

func Test_PSQLPutCustomer(t *testing.T) {
	store, mock := newStore(t)
	defer store.DB.Close()

	var (
		selectCustomer = `SELECT id.+FROM stripe_customers`
		updateCustomer = `UPDATE stripe_customers`
		insertCustomer = `INSERT INTO stripe_customers`
	)

	tests := []struct {
		expect      func()
		c           *Customer
		expectedErr error
	}{
		{
			// Stored with a ref, nothing is written.
			func() {
				mock.ExpectQuery(selectCustomer).WithArgs("cus_1").WillReturnRows(sqlmock.NewRows([]string{"id", "ref"}).AddRow("cus_1", "team_1"))
			},
			&Customer{ID: "cus_1", Ref: "team_1", Email: "old@example.com"},
			nil,
		},
		{
			func() {
				mock.ExpectQuery(selectCustomer).WithArgs("cus_1").WillReturnRows(sqlmock.NewRows([]string{"id", "ref"}))
				mock.ExpectExec(updateCustomer).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(selectCustomer).WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectExec(insertCustomer).WillReturnResult(sqlmock.NewResult(0, 1))
			},
			&Customer{ID: "cus_1", Ref: "team_1"},
			nil,
		},
		{
			// Stored without a ref, only the ref is set.
			func() {
				mock.ExpectQuery(selectCustomer).WithArgs("cus_1").WillReturnRows(sqlmock.NewRows([]string{"id", "ref"}).AddRow("cus_1", nil))
				mock.ExpectExec(updateCustomer).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(selectCustomer).WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectExec(updateCustomer).WithArgs("team_1", "cus_1").WillReturnResult(sqlmock.NewResult(0, 1))
			},
			&Customer{ID: "cus_1", Ref: "team_1"},
			nil,
		},
		{
			func() {
				mock.ExpectQuery(selectCustomer).WithArgs("cus_B").WillReturnRows(sqlmock.NewRows([]string{"id", "ref"}))
				mock.ExpectExec(updateCustomer).WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectQuery(selectCustomer).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cus_A"))
			},
			&Customer{ID: "cus_B", Ref: "team_1"},
			ErrRefTaken,
		},
	}

	for i, test := range tests {
		test.expect()

		err := store.PutCustomer(context.Background(), test.c)

		if test.expectedErr == nil && err != nil {
			t.Errorf("tests[%d] - unexpected error: %s\n", i, err)
		}

		if test.expectedErr != nil && !errors.Is(err, test.expectedErr) {
			t.Errorf("tests[%d] - unexpected error, expected=%q, got=%v\n", i, test.expectedErr, err)
		}

		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("tests[%d] - %s\n", i, err)
		}
	}
}

func Test_PSQLTxPutCustomerVersion(t *testing.T) {
	store, mock := newStore(t)
	defer store.DB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(countEventQuery).WithArgs("evt_1").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(insertEventQuery).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT id.+FROM stripe_customers`).
		WithArgs("cus_1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow("cus_1", int64(1600000200)))
	mock.ExpectExec(`UPDATE stripe_customers`).
		WithArgs(sqlmock.AnyArg(), "me@example.com", false, int64(1600000200), "cus_1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Sync(context.Background(), "evt_1", "checkout.session.completed", func(tx Tx) error {
		return tx.PutCustomer(&Customer{ID: "cus_1", Email: "me@example.com", Version: 1600000100})
	})

	if err != nil {
		t.Fatal(err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func Test_PruneEvents(t *testing.T) {
	store, mock := newStore(t)
	defer store.DB.Close()

	before := time.Now().Add(-time.Hour * 24 * 30)

	mock.ExpectExec(`DELETE FROM stripe_events`).WithArgs(before).WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.PruneEvents(context.Background(), before)

	if err != nil {
		t.Fatal(err)
	}

	if n != 3 {
		t.Errorf("unexpected number of pruned events, expected=%d, got=%d\n", 3, n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
