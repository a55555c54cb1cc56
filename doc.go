// Package recall is a retrieval core for fragment memories.
//
// Text fragments are ingested with deduplication, embedded, stored and later
// retrieved with a strategy chosen per query: plain relevance, diversity
// through maximal marginal relevance, or a hybrid of both.
//
// Database is the entry point. It opens a fragment store and an embedding
// provider and hands out the components built on them:
//
//	db, err := recall.NewDatabase("./recall_db",
//	    recall.WithAIConfig(ai.NewConfig(ai.WithEmbeddingModel("embeddinggemma"))),
//	    recall.WithEmbeddingCache(1024, 15*time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	pipeline, _ := db.NewIngestionPipeline()
//	ids, err := pipeline.Ingest(ctx, inputs)
//
//	retriever, _ := db.NewRetriever()
//	results := retriever.Retrieve(ctx, "ideas for the team offsite", 5, &core.Filter{OwnerID: "acme"})
package recall
