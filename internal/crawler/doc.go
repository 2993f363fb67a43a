// Package crawler holds the domain types shared by the gateway: identities,
// credit decisions, jobs, documents, the collaborator interfaces implemented
// by the storage, fetcher and publisher packages, and the URL blocklist.
package crawler
