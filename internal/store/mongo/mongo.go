// Package mongo is the MongoDB-backed store.Backend: one collection per
// entity table, wrapper interfaces around the driver types so tests can
// substitute fakes, grounded on the teacher's session-store client shape.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/agora-labs/marketplace-core/internal/store"
)

const (
	defaultOpTimeout = 5 * time.Second
	clientName       = "coordination-store-mongo"

	collAgents       = "agents"
	collCapabilities = "capabilities"
	collMessages     = "messages"
	collTasks        = "tasks"
	collWorkflows    = "workflows"
	collSteps        = "workflow_steps"
	collIdempotency  = "idempotency_keys"
	collCursors      = "event_cursors"
)

// Options configures the Mongo-backed Backend.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Backend implements store.Backend over MongoDB collections.
type Backend struct {
	mongo        *mongodriver.Client
	agents       collection
	capabilities collection
	messages     collection
	tasks        collection
	workflows    collection
	steps        collection
	idempotency  collection
	cursors      collection
	timeout      time.Duration
}

// New builds a Backend, ensuring the supporting indexes exist.
func New(opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	b := &Backend{
		mongo:        opts.Client,
		agents:       mongoCollection{coll: db.Collection(collAgents)},
		capabilities: mongoCollection{coll: db.Collection(collCapabilities)},
		messages:     mongoCollection{coll: db.Collection(collMessages)},
		tasks:        mongoCollection{coll: db.Collection(collTasks)},
		workflows:    mongoCollection{coll: db.Collection(collWorkflows)},
		steps:        mongoCollection{coll: db.Collection(collSteps)},
		idempotency:  mongoCollection{coll: db.Collection(collIdempotency)},
		cursors:      mongoCollection{coll: db.Collection(collCursors)},
		timeout:      timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Name implements health.Pinger.
func (b *Backend) Name() string { return clientName }

// Ping implements health.Pinger.
func (b *Backend) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return b.mongo.Ping(ctx, readpref.Primary())
}

var _ health.Pinger = (*Backend)(nil)
var _ store.Backend = (*Backend)(nil)

func (b *Backend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}

func (b *Backend) GetAgentByName(ctx context.Context, name string) (store.Agent, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out store.Agent
	if err := b.agents.FindOne(ctx, bson.M{"agent_name": name}).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Agent{}, false, nil
		}
		return store.Agent{}, false, err
	}
	return out, true, nil
}

func (b *Backend) GetAgent(ctx context.Context, agentID string) (store.Agent, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out store.Agent
	if err := b.agents.FindOne(ctx, bson.M{"agent_id": agentID}).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Agent{}, false, nil
		}
		return store.Agent{}, false, err
	}
	return out, true, nil
}

func (b *Backend) PutAgent(ctx context.Context, agent store.Agent) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.agents.UpdateOne(ctx, bson.M{"agent_id": agent.AgentID},
		bson.M{"$set": agent}, options.Update().SetUpsert(true))
	return err
}

func (b *Backend) ListActiveAgents(ctx context.Context) ([]store.Agent, error) {
	return b.listAgents(ctx, bson.M{"status": bson.M{"$ne": store.AgentOffline}})
}

func (b *Backend) ListAgents(ctx context.Context) ([]store.Agent, error) {
	return b.listAgents(ctx, bson.M{})
}

func (b *Backend) listAgents(ctx context.Context, filter bson.M) ([]store.Agent, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	cur, err := b.agents.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.Agent
	for cur.Next(ctx) {
		var a store.Agent
		if err := cur.Decode(&a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, cur.Err()
}

func (b *Backend) GetCapability(ctx context.Context, agentID, capType string) (store.Capability, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out store.Capability
	filter := bson.M{"agent_id": agentID, "capability_type": capType}
	if err := b.capabilities.FindOne(ctx, filter).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Capability{}, false, nil
		}
		return store.Capability{}, false, err
	}
	return out, true, nil
}

func (b *Backend) PutCapability(ctx context.Context, cap store.Capability) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"agent_id": cap.AgentID, "capability_type": cap.CapabilityType}
	_, err := b.capabilities.UpdateOne(ctx, filter, bson.M{"$set": cap}, options.Update().SetUpsert(true))
	return err
}

func (b *Backend) ListCapabilitiesByAgent(ctx context.Context, agentID string) ([]store.Capability, error) {
	return b.listCapabilities(ctx, bson.M{"agent_id": agentID})
}

func (b *Backend) ListCapabilitiesByType(ctx context.Context, capType string) ([]store.Capability, error) {
	return b.listCapabilities(ctx, bson.M{"capability_type": capType, "active": true})
}

func (b *Backend) listCapabilities(ctx context.Context, filter bson.M) ([]store.Capability, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	cur, err := b.capabilities.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.Capability
	for cur.Next(ctx) {
		var c store.Capability
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, cur.Err()
}

func (b *Backend) PutMessage(ctx context.Context, msg store.Message) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.messages.UpdateOne(ctx, bson.M{"message_id": msg.MessageID},
		bson.M{"$setOnInsert": msg}, options.Update().SetUpsert(true))
	return err
}

func (b *Backend) IncrementDeliveredCount(ctx context.Context, messageID string, by int) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.messages.UpdateOne(ctx, bson.M{"message_id": messageID},
		bson.M{"$inc": bson.M{"delivered_count": by}})
	return err
}

func (b *Backend) GetTask(ctx context.Context, taskID string) (store.Task, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out store.Task
	if err := b.tasks.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Task{}, false, nil
		}
		return store.Task{}, false, err
	}
	return out, true, nil
}

func (b *Backend) PutTask(ctx context.Context, task store.Task) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.tasks.UpdateOne(ctx, bson.M{"task_id": task.TaskID},
		bson.M{"$set": task}, options.Update().SetUpsert(true))
	return err
}

func (b *Backend) CountInFlightTasks(ctx context.Context, agentID, taskType string) (int, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"assignee":  agentID,
		"task_type": taskType,
		"status":    bson.M{"$in": []store.TaskStatus{store.TaskPending, store.TaskAccepted, store.TaskInProgress}},
	}
	cur, err := b.tasks.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	defer func() { _ = cur.Close(ctx) }()
	n := 0
	for cur.Next(ctx) {
		n++
	}
	return n, cur.Err()
}

func (b *Backend) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]store.Task, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	cur, err := b.tasks.Find(ctx, bson.M{"workflow_id": workflowID})
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.Task
	for cur.Next(ctx) {
		var t store.Task
		if err := cur.Decode(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, cur.Err()
}

func (b *Backend) GetWorkflow(ctx context.Context, workflowID string) (store.Workflow, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out store.Workflow
	if err := b.workflows.FindOne(ctx, bson.M{"workflow_id": workflowID}).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.Workflow{}, false, nil
		}
		return store.Workflow{}, false, err
	}
	return out, true, nil
}

func (b *Backend) PutWorkflow(ctx context.Context, wf store.Workflow) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.workflows.UpdateOne(ctx, bson.M{"workflow_id": wf.WorkflowID},
		bson.M{"$set": wf}, options.Update().SetUpsert(true))
	return err
}

func (b *Backend) ListRunningWorkflows(ctx context.Context) ([]store.Workflow, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": bson.M{"$in": []store.WorkflowStatus{store.WorkflowRunning, store.WorkflowPending}}}
	cur, err := b.workflows.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.Workflow
	for cur.Next(ctx) {
		var w store.Workflow
		if err := cur.Decode(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, cur.Err()
}

func (b *Backend) GetStep(ctx context.Context, stepID string) (store.WorkflowStep, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var out store.WorkflowStep
	if err := b.steps.FindOne(ctx, bson.M{"step_id": stepID}).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return store.WorkflowStep{}, false, nil
		}
		return store.WorkflowStep{}, false, err
	}
	return out, true, nil
}

func (b *Backend) PutStep(ctx context.Context, step store.WorkflowStep) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.steps.UpdateOne(ctx, bson.M{"step_id": step.StepID},
		bson.M{"$set": step}, options.Update().SetUpsert(true))
	return err
}

func (b *Backend) ListStepsByWorkflow(ctx context.Context, workflowID string) ([]store.WorkflowStep, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	cur, err := b.steps.Find(ctx, bson.M{"workflow_id": workflowID}, options.Find().SetSort(bson.D{{Key: "ordinal", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []store.WorkflowStep
	for cur.Next(ctx) {
		var s store.WorkflowStep
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, cur.Err()
}

type idempotencyDoc struct {
	Key      string `bson:"key"`
	ResultID string `bson:"result_id"`
}

func (b *Backend) GetIdempotent(ctx context.Context, operation, key string) (string, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var doc idempotencyDoc
	filter := bson.M{"key": operation + "/" + key}
	if err := b.idempotency.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return "", false, nil
		}
		return "", false, err
	}
	return doc.ResultID, true, nil
}

func (b *Backend) PutIdempotent(ctx context.Context, operation, key, resultID string) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"key": operation + "/" + key}
	update := bson.M{"$setOnInsert": idempotencyDoc{Key: operation + "/" + key, ResultID: resultID}}
	_, err := b.idempotency.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

type cursorDoc struct {
	AgentID  string `bson:"agent_id"`
	Sequence int64  `bson:"sequence"`
}

func (b *Backend) GetCursor(ctx context.Context, agentID string) (int64, bool, error) {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	var doc cursorDoc
	if err := b.cursors.FindOne(ctx, bson.M{"agent_id": agentID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return doc.Sequence, true, nil
}

func (b *Backend) PutCursor(ctx context.Context, agentID string, sequence int64) error {
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()
	_, err := b.cursors.UpdateOne(ctx, bson.M{"agent_id": agentID},
		bson.M{"$set": cursorDoc{AgentID: agentID, Sequence: sequence}}, options.Update().SetUpsert(true))
	return err
}

func ensureIndexes(ctx context.Context, b *Backend) error {
	indexes := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{b.agents, mongodriver.IndexModel{Keys: bson.D{{Key: "agent_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.agents, mongodriver.IndexModel{Keys: bson.D{{Key: "agent_name", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.capabilities, mongodriver.IndexModel{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "capability_type", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.tasks, mongodriver.IndexModel{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.tasks, mongodriver.IndexModel{Keys: bson.D{{Key: "workflow_id", Value: 1}}}},
		{b.workflows, mongodriver.IndexModel{Keys: bson.D{{Key: "workflow_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.steps, mongodriver.IndexModel{Keys: bson.D{{Key: "step_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.steps, mongodriver.IndexModel{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "ordinal", Value: 1}}}},
		{b.idempotency, mongodriver.IndexModel{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)}},
		{b.cursors, mongodriver.IndexModel{Keys: bson.D{{Key: "agent_id", Value: 1}}, Options: options.Index().SetUnique(true)}},
	}
	for _, idx := range indexes {
		if _, err := idx.coll.Indexes().CreateOne(ctx, idx.model); err != nil {
			return err
		}
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error { return r.res.Decode(val) }

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c mongoCursor) Decode(val any) error            { return c.cur.Decode(val) }
func (c mongoCursor) Err() error                      { return c.cur.Err() }
func (c mongoCursor) Next(ctx context.Context) bool   { return c.cur.Next(ctx) }

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
